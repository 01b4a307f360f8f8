// Package sandboxproxy serves a plain-HTTP endpoint inside the sandbox and
// forwards every request to the host broker as a proxy_fetch exchange over
// the bridge socket. Sandboxed programs point their API base URLs at it and
// never see a credential or a real upstream hostname.
package sandboxproxy

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/tether-sh/tether/internal/envelope"
	"github.com/tether-sh/tether/internal/transport"
)

// maxBindAttempts bounds how many successive ports are tried before
// giving up.
const maxBindAttempts = 20

// maxRequestBytes caps the request body accepted from sandboxed callers.
const maxRequestBytes = 32 << 20

// Proxy converts local HTTP requests into envelope exchanges.
type Proxy struct {
	client *envelope.Client
}

// New returns a proxy bound to the bridge socket at socketPath.
func New(socketPath string) *Proxy {
	return &Proxy{client: &envelope.Client{SocketPath: socketPath}}
}

// ServeHTTP forwards one request to the broker and writes back whatever
// status the broker reports. A bridge connect failure is answered locally
// with 502 since no broker ever saw the request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	resp, err := p.client.Fetch(&envelope.Message{
		Type:    envelope.TypeProxyFetch,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: headers,
		Body:    envelope.BodyPtr(body),
	})
	if err != nil {
		var connectErr *transport.ConnectError
		if errors.As(err, &connectErr) {
			http.Error(w, "bridge socket unreachable", http.StatusBadGateway)
			return
		}
		log.Printf("sandboxproxy: exchange failed: %v", err)
		http.Error(w, "bridge exchange failed", http.StatusBadGateway)
		return
	}

	data, err := envelope.DecodeBodyPtr(resp.Body)
	if err != nil {
		log.Printf("sandboxproxy: undecodable response body: %v", err)
		http.Error(w, "bridge exchange failed", http.StatusBadGateway)
		return
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(data); err != nil {
		log.Printf("sandboxproxy: writing response: %v", err)
	}
}

// Listen binds the local HTTP port, retrying successive ports when the
// requested one is taken. Port 0 asks the kernel for any free port.
func Listen(startPort int) (net.Listener, int, error) {
	var lastErr error
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		port := startPort
		if startPort != 0 {
			port = startPort + attempt
		}
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			lastErr = err
			if startPort == 0 {
				break
			}
			continue
		}
		return listener, listener.Addr().(*net.TCPAddr).Port, nil
	}
	return nil, 0, fmt.Errorf("no free port in %d attempts from %d: %w", maxBindAttempts, startPort, lastErr)
}

// AnnouncePort prints the machine-readable port line callers scrape to
// discover where the proxy actually bound.
func AnnouncePort(w io.Writer, port int) {
	fmt.Fprintf(w, "PORT:%d\n", port)
}
