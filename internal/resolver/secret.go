package resolver

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/surfari/surfari/internal/observability"
	"github.com/surfari/surfari/internal/security"
)

// SecretResolver answers prompts with stored site credentials, but only
// while the browser is on the site the credentials were saved for.
type SecretResolver struct {
	secrets map[string]string
	logger  *observability.Logger
}

// NewSecretResolver loads the secrets for a site. An unknown site yields a
// resolver that never answers.
func NewSecretResolver(ctx context.Context, cm *security.CredentialManager, siteID int, logger *observability.Logger) (*SecretResolver, error) {
	secrets, err := cm.LoadSiteSecrets(ctx, siteID)
	if err != nil {
		return nil, err
	}
	return &SecretResolver{secrets: secrets, logger: logger.WithComponent("resolver")}, nil
}

// Resolve implements Resolver. The prompt must name a stored secret
// (UsernameAssistant or PasswordAssistant) and the current URL must share
// a registrable domain with the stored site URL.
func (r *SecretResolver) Resolve(ctx context.Context, in Input) (Output, error) {
	var currentURL string
	if in.Context != nil {
		currentURL, _ = in.Context["current_url"].(string)
	}
	siteURL := r.secrets["URL"]
	if currentURL == "" || siteURL == "" || !BaseDomainsMatch(currentURL, siteURL) {
		return Output{}, nil
	}
	if value := r.secrets[in.Text]; value != "" {
		r.logger.Debug(ctx, "resolved prompt from site secrets", "prompt", in.Text)
		return Output{Value: value, Resolved: true}, nil
	}
	return Output{}, nil
}

// BaseDomainsMatch reports whether two URLs share a registrable domain, so
// login.sbc.com and www.sbc.com both reduce to sbc.com.
func BaseDomainsMatch(url1, url2 string) bool {
	d1 := baseDomain(url1)
	d2 := baseDomain(url2)
	return d1 != "" && d1 == d2
}

func baseDomain(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// IPs and bare hostnames compare as-is.
		return host
	}
	return base
}
