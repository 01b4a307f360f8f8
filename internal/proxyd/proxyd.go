// Package proxyd runs the sandbox-side HTTP proxy: a local listener whose
// requests are forwarded to the host broker as envelope exchanges.
package proxyd

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/tether-sh/tether/internal/config"
	"github.com/tether-sh/tether/internal/sandboxproxy"
)

// Main serves the proxy until its listener fails or the process is killed.
// The first positional argument is the requested TCP port; the bound port
// is announced as a PORT: line on stdout.
func Main(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("tether proxy", flag.ContinueOnError)
	socketPath := fs.String("socket", cfg.Socket.Path, "bridge socket path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	port := 0
	if fs.NArg() > 0 {
		port, err = strconv.Atoi(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", fs.Arg(0), err)
		}
	}

	listener, bound, err := sandboxproxy.Listen(port)
	if err != nil {
		return err
	}
	defer listener.Close()

	sandboxproxy.AnnouncePort(os.Stdout, bound)
	log.Printf("proxyd: forwarding 127.0.0.1:%d onto %s", bound, *socketPath)

	return http.Serve(listener, sandboxproxy.New(*socketPath))
}
