package broker

import (
	"net/http"
	"os"
	"strings"

	"github.com/tether-sh/tether/internal/config"
)

// Provider binds a path prefix to an upstream authority and the mechanism
// for injecting its credential. The credential value is loaded once at
// startup and never serialized or sent toward the sandbox.
type Provider struct {
	Prefix     string
	BaseURL    string
	AuthHeader string
	// AuthScheme, when set, prefixes the credential in the header value,
	// e.g. "Bearer".
	AuthScheme string
	KeyEnv     string

	key string
}

// Providers is the immutable classification table built at broker startup.
type Providers []Provider

// DefaultProviders returns the stock provider table with credentials
// resolved from the conventional environment variables.
func DefaultProviders() Providers {
	return loadKeys(Providers{
		{Prefix: "/google", BaseURL: "https://generativelanguage.googleapis.com", AuthHeader: "x-goog-api-key", KeyEnv: "GOOGLE_API_KEY"},
		{Prefix: "/openai", BaseURL: "https://api.openai.com", AuthHeader: "Authorization", AuthScheme: "Bearer", KeyEnv: "OPENAI_API_KEY"},
		{Prefix: "/anthropic", BaseURL: "https://api.anthropic.com", AuthHeader: "x-api-key", KeyEnv: "ANTHROPIC_API_KEY"},
	})
}

// ProvidersFromConfig extends the default table with configured entries.
// Configured prefixes override defaults of the same prefix.
func ProvidersFromConfig(extra []config.ProviderConfig) Providers {
	table := DefaultProviders()
	for _, pc := range extra {
		p := Provider{
			Prefix:     pc.Prefix,
			BaseURL:    strings.TrimRight(pc.BaseURL, "/"),
			AuthHeader: pc.AuthHeader,
			AuthScheme: pc.AuthScheme,
			KeyEnv:     pc.KeyEnv,
		}
		replaced := false
		for i := range table {
			if table[i].Prefix == p.Prefix {
				table[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			table = append(table, p)
		}
	}
	return loadKeys(table)
}

func loadKeys(table Providers) Providers {
	for i := range table {
		if table[i].key == "" && table[i].KeyEnv != "" {
			table[i].key = os.Getenv(table[i].KeyEnv)
		}
	}
	return table
}

// Match returns the provider with the longest matching prefix and the
// remaining path after the prefix.
func (ps Providers) Match(path string) (*Provider, string, bool) {
	var best *Provider
	for i := range ps {
		p := &ps[i]
		if !strings.HasPrefix(path, p.Prefix) {
			continue
		}
		if best == nil || len(p.Prefix) > len(best.Prefix) {
			best = p
		}
	}
	if best == nil {
		return nil, "", false
	}
	return best, strings.TrimPrefix(path, best.Prefix), true
}

// isAuthHeader reports whether any provider in the table injects into the
// named header. Caller-supplied values for such headers are always dropped.
func (ps Providers) isAuthHeader(name string) bool {
	for i := range ps {
		if strings.EqualFold(ps[i].AuthHeader, name) {
			return true
		}
	}
	return false
}

// TargetURL rewrites the matched request to the real upstream authority,
// preserving the remaining path and query.
func (p *Provider) TargetURL(rest, rawQuery string) string {
	target := p.BaseURL + rest
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Inject removes any caller-supplied value for the provider's auth header
// and sets the bound credential.
func (p *Provider) Inject(header http.Header) {
	header.Del(p.AuthHeader)
	value := p.key
	if p.AuthScheme != "" {
		value = p.AuthScheme + " " + value
	}
	header.Set(p.AuthHeader, value)
}
