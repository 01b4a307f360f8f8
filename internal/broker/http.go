package broker

import (
	"errors"
	"io"
	"log"
	"net/http"
)

// maxInboundBytes caps the request body a sandboxed caller may submit.
const maxInboundBytes = 32 << 20

// Handler returns the broker's HTTP surface: every path is treated as a
// provider-prefixed proxy request, except /events which serves the live
// event stream and /healthz which answers liveness probes.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	if b.events != nil {
		mux.HandleFunc("/events", b.events.HandleWebSocket)
	}
	mux.HandleFunc("/", b.handleProxy)
	return mux
}

func (b *Broker) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBytes))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	result, err := b.Fetch(r.Context(), FetchRequest{
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		status, msg := statusForError(err)
		http.Error(w, msg, status)
		return
	}

	for name, value := range result.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(result.Status)
	if _, err := w.Write(result.Body); err != nil {
		log.Printf("broker: writing response: %v", err)
	}
}

// statusForError maps fetch failures onto HTTP statuses. The 502 body
// carries the upstream error text; credentials live only in request
// headers and never appear in client error strings.
func statusForError(err error) (int, string) {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrNoProvider):
		return http.StatusNotFound, "no provider for path"
	case errors.Is(err, ErrDenied):
		return http.StatusForbidden, "denied by policy"
	case errors.As(err, &upstream):
		return http.StatusBadGateway, upstream.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
