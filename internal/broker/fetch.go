package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes caps how much of an upstream body the broker will relay.
const maxResponseBytes = 64 << 20

// FetchRequest is a classified-and-forwarded HTTPS request as the sandbox
// sees it: a provider-prefixed path, never a real hostname or credential.
type FetchRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// FetchResult is the upstream response after sanitization.
type FetchResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Fetch classifies the request against the provider table, enforces policy,
// injects the provider credential, forwards upstream, and returns the
// sanitized response. Errors are ErrNoProvider, ErrDenied, or *UpstreamError.
func (b *Broker) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	start := time.Now()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q", ErrNoProvider, req.URL)
	}

	provider, rest, ok := b.providers.Match(u.Path)
	if !ok {
		b.instruments.RecordError(ctx, "no_provider")
		b.emit("proxy_reject", map[string]any{"path": u.Path, "reason": "no_provider"})
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, u.Path)
	}

	ctx, endSpan := b.instruments.StartFetchSpan(ctx, provider.Prefix, method)

	if b.policy != nil && !b.policy.AllowFetch(provider.Prefix, method, rest) {
		b.instruments.RecordError(ctx, "denied")
		b.emit("proxy_reject", map[string]any{"path": u.Path, "reason": "policy"})
		err := fmt.Errorf("%w: %s %s%s", ErrDenied, method, provider.Prefix, rest)
		endSpan(http.StatusForbidden, err)
		return nil, err
	}

	target := provider.TargetURL(rest, u.RawQuery)
	upstream, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(req.Body))
	if err != nil {
		endSpan(0, err)
		return nil, &UpstreamError{Err: err}
	}

	b.copyRequestHeaders(upstream.Header, req.Headers)
	if b.secrets != nil {
		// A body the rewriter cannot handle (oversized, undecodable
		// compression) is restored and forwarded as-is; only the
		// placeholder substitution is skipped.
		if _, err := b.secrets.RewriteRequest(upstream); err != nil {
			log.Printf("broker: skipping body replacement for %s %s: %v", method, u.Path, err)
		}
	}
	provider.Inject(upstream.Header)

	resp, err := b.httpClient.Do(upstream)
	if err != nil {
		b.instruments.RecordError(ctx, "upstream")
		b.emit("proxy_error", map[string]any{"provider": provider.Prefix, "path": rest})
		endSpan(http.StatusBadGateway, err)
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		b.instruments.RecordError(ctx, "upstream")
		endSpan(http.StatusBadGateway, err)
		return nil, &UpstreamError{Err: fmt.Errorf("reading body: %w", err)}
	}

	result := &FetchResult{
		Status:  resp.StatusCode,
		Headers: sanitizeResponseHeaders(resp.Header),
		Body:    body,
	}

	endSpan(resp.StatusCode, nil)
	b.instruments.RecordFetch(ctx, provider.Prefix, resp.StatusCode, time.Since(start))
	b.emit("proxy_fetch", map[string]any{
		"provider": provider.Prefix,
		"method":   method,
		"path":     rest,
		"status":   resp.StatusCode,
	})
	return result, nil
}

// copyRequestHeaders copies caller headers onto the upstream request,
// dropping Host and every credential header the provider table could
// inject. The sandbox never picks the auth header; the broker does.
func (b *Broker) copyRequestHeaders(dst http.Header, src map[string]string) {
	for name, value := range src {
		if strings.EqualFold(name, "Host") {
			continue
		}
		if strings.EqualFold(name, "Authorization") || b.providers.isAuthHeader(name) {
			continue
		}
		dst.Set(name, value)
	}
}

// sanitizeResponseHeaders flattens and strips the framing headers the Go
// client has already consumed. The relayed body is fully decoded bytes, so
// Content-Encoding, Transfer-Encoding, and Content-Length would all lie.
func sanitizeResponseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Encoding", "Transfer-Encoding", "Content-Length":
			continue
		}
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
