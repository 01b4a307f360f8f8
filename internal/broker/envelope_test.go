package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/tether-sh/tether/internal/envelope"
	"github.com/tether-sh/tether/internal/transport"
)

// startEnvelopeBroker serves b over a fresh unix socket and returns a
// client bound to it.
func startEnvelopeBroker(t *testing.T, b *Broker) *envelope.Client {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "bridge.sock")
	listener, err := transport.Listen(socketPath)
	if err != nil {
		t.Fatalf("listening on socket: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go transport.Serve(listener, func(conn net.Conn) {
		b.HandleConn(context.Background(), conn)
	})
	return &envelope.Client{SocketPath: socketPath}
}

func TestHandleConnFetch(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"cmpl-1"}`)
	}))
	defer upstream.Close()

	client := startEnvelopeBroker(t, newTestBroker(t, upstream.URL, Options{}))

	resp, err := client.Fetch(&envelope.Message{
		Type:    envelope.TypeProxyFetch,
		Method:  http.MethodPost,
		URL:     "/openai/v1/completions",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    envelope.BodyPtr([]byte(`{"prompt":"hi"}`)),
	})
	if err != nil {
		t.Fatalf("fetch over socket: %v", err)
	}

	if resp.Status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.Status)
	}
	if gotAuth != "Bearer sk-real" {
		t.Fatalf("upstream Authorization = %q", gotAuth)
	}
	if string(gotBody) != `{"prompt":"hi"}` {
		t.Fatalf("upstream body = %q", gotBody)
	}
	body, err := envelope.DecodeBodyPtr(resp.Body)
	if err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	if string(body) != `{"id":"cmpl-1"}` {
		t.Fatalf("response body = %q", body)
	}
}

func TestHandleConnFetchUnknownPrefix(t *testing.T) {
	client := startEnvelopeBroker(t, newTestBroker(t, "http://unreachable.invalid", Options{}))

	resp, err := client.Fetch(&envelope.Message{
		Type: envelope.TypeProxyFetch,
		URL:  "/unknown/v1/things",
	})
	if err != nil {
		t.Fatalf("fetch over socket: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want synthesized 404", resp.Status)
	}
}

func TestHandleConnFetchUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	client := startEnvelopeBroker(t, newTestBroker(t, upstream.URL, Options{}))

	resp, err := client.Fetch(&envelope.Message{
		Type: envelope.TypeProxyFetch,
		URL:  "/openai/v1/models",
	})
	if err != nil {
		t.Fatalf("fetch over socket: %v", err)
	}
	if resp.Status != http.StatusBadGateway {
		t.Fatalf("status = %d, want synthesized 502", resp.Status)
	}
}

func TestHandleConnUnsupportedType(t *testing.T) {
	client := startEnvelopeBroker(t, newTestBroker(t, "http://unreachable.invalid", Options{}))

	_, err := client.Fetch(&envelope.Message{Type: "telemetry_blob"})
	var remote *envelope.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
}
