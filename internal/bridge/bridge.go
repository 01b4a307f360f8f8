// Package bridge relays plain TCP connections onto the bridge socket with
// no protocol awareness: bytes pass verbatim in both directions until
// either side closes or errors.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/tether-sh/tether/internal/transport"
)

// maxBindAttempts bounds the auto-increment retry when the requested TCP
// port is already taken.
const maxBindAttempts = 20

// Bridge accepts sandbox TCP connections on 127.0.0.1 and pairs each with
// one fresh connection to the broker socket.
type Bridge struct {
	socketPath string
	listener   net.Listener
	port       int

	// OnBytes, when set, receives the byte count relayed by each finished
	// copy direction.
	OnBytes func(n int64)

	// OnConn, when set, is invoked for each accepted tunnel connection.
	OnConn func(remote string)
}

// New returns a bridge targeting the given broker socket.
func New(socketPath string) *Bridge {
	return &Bridge{socketPath: socketPath}
}

// Listen binds 127.0.0.1 starting at the requested port, retrying on
// successive ports when the bind conflicts. It returns the bound port.
func (b *Bridge) Listen(startPort int) (int, error) {
	var lastErr error
	for i := 0; i < maxBindAttempts; i++ {
		port := startPort + i
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		b.listener = listener
		// Resolve the kernel-assigned port when callers request port 0.
		b.port = listener.Addr().(*net.TCPAddr).Port
		return b.port, nil
	}
	return 0, fmt.Errorf("bind 127.0.0.1 within %d ports of %d: %w", maxBindAttempts, startPort, lastErr)
}

// Port returns the bound TCP port.
func (b *Bridge) Port() int {
	return b.port
}

// AnnouncePort writes the machine-readable bound-port line so callers
// using dynamic ports can discover the final value.
func (b *Bridge) AnnouncePort(w io.Writer) {
	fmt.Fprintf(w, "PORT:%d\n", b.port)
}

// Close stops the accept loop. Established tunnels keep running until
// their own streams end.
func (b *Bridge) Close() error {
	if b.listener == nil {
		return nil
	}
	return b.listener.Close()
}

// Serve accepts tunnel connections until the listener is closed. A failure
// on one connection never stops service to others.
func (b *Bridge) Serve() error {
	if b.listener == nil {
		return errors.New("bridge: Serve called before Listen")
	}
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("bridge: accept error: %v", err)
			continue
		}
		if b.OnConn != nil {
			b.OnConn(conn.RemoteAddr().String())
		}
		go b.relay(conn)
	}
}

func (b *Bridge) relay(tcpConn net.Conn) {
	unixConn, err := transport.Dial(b.socketPath)
	if err != nil {
		log.Printf("bridge: %v", err)
		tcpConn.Close()
		return
	}

	p := &pair{a: tcpConn, b: unixConn, onBytes: b.OnBytes}
	go p.pipe(tcpConn, unixConn)
	go p.pipe(unixConn, tcpConn)
}

// pair couples the two halves of one tunnel. Either direction reaching
// end-of-stream or an error tears both ends down; close is idempotent.
type pair struct {
	a, b    net.Conn
	once    sync.Once
	onBytes func(int64)
}

func (p *pair) pipe(src, dst net.Conn) {
	n, _ := io.Copy(dst, src)
	if p.onBytes != nil {
		p.onBytes(n)
	}
	p.closeBoth()
}

func (p *pair) closeBoth() {
	p.once.Do(func() {
		_ = p.a.Close()
		_ = p.b.Close()
	})
}
