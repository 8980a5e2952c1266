package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/surfari/surfari/internal/config"
)

// Factory builds a resolver from its config params.
type Factory func(params map[string]any) (Resolver, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a resolver available under a target name for the
// value_resolver config section. Later registrations win.
func Register(target string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[target] = factory
}

// Targets lists the registered resolver names.
func Targets() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig instantiates the resolver named by the value_resolver config
// section. A nil section means no configured resolver.
func FromConfig(cfg *config.ResolverConfig) (Resolver, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("value_resolver requires a target")
	}
	factoriesMu.RLock()
	factory, ok := factories[cfg.Target]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown resolver target %q (registered: %v)", cfg.Target, Targets())
	}
	return factory(cfg.Params)
}

func init() {
	// echo answers every prompt with the prompt itself.
	Register("echo", func(map[string]any) (Resolver, error) {
		return Func(func(ctx context.Context, in Input) (Output, error) {
			return Output{Value: in.Text, Resolved: true}, nil
		}), nil
	})
	// noop never answers, forcing delegation.
	Register("noop", func(map[string]any) (Resolver, error) {
		return Func(func(ctx context.Context, in Input) (Output, error) {
			return Output{}, nil
		}), nil
	})
	// static answers from a fixed prompt-to-value table in params.
	Register("static", func(params map[string]any) (Resolver, error) {
		values := map[string]string{}
		if raw, ok := params["values"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					values[k] = s
				}
			}
		}
		return Func(func(ctx context.Context, in Input) (Output, error) {
			if v, ok := values[in.Text]; ok {
				return Output{Value: v, Resolved: true}, nil
			}
			return Output{}, nil
		}), nil
	})
}
