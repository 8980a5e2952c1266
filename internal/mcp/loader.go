package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/surfari/surfari/internal/observability"
)

// configFile is the on-disk shape of mcp_config.json.
type configFile struct {
	Servers map[string]*ServerConfig `json:"servers"`
}

// LoadServerConfigs reads mcp_config.json and returns the enabled server
// entries keyed into their IDs. Environment variables and "~" in paths are
// expanded.
func LoadServerConfigs(path string) ([]*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Servers) == 0 {
		return nil, fmt.Errorf("%s has no 'servers' entries", path)
	}

	var configs []*ServerConfig
	for id, cfg := range file.Servers {
		if cfg.Disabled {
			continue
		}
		cfg.ID = id
		cfg.Root = expandPath(cfg.Root)
		cfg.Cwd = expandPath(cfg.Cwd)
		for i, a := range cfg.Args {
			cfg.Args[i] = expandPath(a)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// expandPath expands environment variables and a leading "~".
func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// BuildManager connects every enabled server from mcp_config.json and
// returns a manager over the sessions that came up, plus the embedded
// servers it started so callers can shut them down.
//
// Transport precedence per server: url > embedded_http > stdio. A failed
// HTTP connection falls back to stdio only when the URL was started by us
// rather than configured explicitly; an explicit URL that fails is a
// configuration problem the fallback would only hide.
func BuildManager(ctx context.Context, configs []*ServerConfig, fallbackRoot string, logger *observability.Logger) (*Manager, []*FSServer, error) {
	log := logger.WithComponent("mcp")
	manager := NewManager(logger)
	var embedded []*FSServer
	failures := map[string]string{}

	for _, cfg := range configs {
		explicitURL := cfg.URL != ""
		if explicitURL && cfg.EmbeddedHTTP {
			log.Debug(ctx, "both url and embedded_http set; using url", "server", cfg.ID)
		}

		if !explicitURL && cfg.EmbeddedHTTP {
			root := cfg.Root
			if root == "" {
				root = fallbackRoot
			}
			if _, err := os.Stat(root); err != nil {
				log.Debug(ctx, "embedded root not found, using fallback", "server", cfg.ID, "root", root)
				root = fallbackRoot
			}
			srv := NewFSServer(root, logger)
			if err := srv.Start(); err != nil {
				failures[cfg.ID] = fmt.Sprintf("embedded server start failed: %v", err)
			} else {
				embedded = append(embedded, srv)
				cfg.URL = srv.URL()
			}
		}

		if cfg.URL != "" {
			if err := manager.AddServer(ctx, cfg); err == nil {
				continue
			} else {
				failures[cfg.ID] = fmt.Sprintf("HTTP connect failed: %v", err)
				if explicitURL || cfg.Command == "" {
					continue
				}
				log.Debug(ctx, "HTTP connection failed, attempting stdio fallback", "server", cfg.ID)
				cfg.URL = ""
			}
		}

		if cfg.Command == "" {
			if _, seen := failures[cfg.ID]; !seen {
				failures[cfg.ID] = "no usable transport (no url, embedded_http, or command)"
			}
			continue
		}
		if err := manager.AddServer(ctx, cfg); err != nil {
			failures[cfg.ID] = fmt.Sprintf("stdio connect failed: %v", err)
		}
	}

	for id, msg := range failures {
		log.Warn(ctx, "tool server failed to initialize", "server", id, "reason", msg)
	}
	return manager, embedded, nil
}
