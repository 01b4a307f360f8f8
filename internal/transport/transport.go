// Package transport provides the filesystem-addressed socket channel
// connecting sandbox-side clients to the host broker. The broker owns and
// creates the socket; sandbox components only connect to it.
package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
)

// ConnectError reports a failure to reach the bridge socket. It is fatal to
// the single request that triggered the dial, never to the process.
type ConnectError struct {
	Path string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect bridge socket %s: %v", e.Path, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Dial opens one connection to the bridge socket. Each connection carries
// exactly one logical exchange or one continuous tunnel; connections are
// never reused.
func Dial(path string) (net.Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, &ConnectError{Path: path, Err: err}
	}
	return conn, nil
}

// Listen binds the bridge socket, replacing any stale socket file left by a
// previous broker. The socket is restricted to the owning user.
func Listen(path string) (net.Listener, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return listener, nil
}

// Serve accepts connections until the listener is closed, handing each one
// to handle on its own goroutine. Per-connection accept errors are logged
// and do not stop the loop.
func Serve(listener net.Listener, handle func(net.Conn)) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("transport: accept error: %v", err)
			continue
		}
		go handle(conn)
	}
}
