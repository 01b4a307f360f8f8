// Package bridged runs the sandbox-side tunnel bridge: a local TCP
// listener whose connections are relayed byte-for-byte onto the bridge
// socket.
package bridged

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/tether-sh/tether/internal/bridge"
	"github.com/tether-sh/tether/internal/config"
	"github.com/tether-sh/tether/internal/telemetry/otel"
)

// Main runs the tunnel bridge until its listener fails or the process is
// killed. The first positional argument is the requested TCP port; on
// conflict successive ports are tried and the bound port is announced as a
// PORT: line on stdout.
func Main(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("tether bridge", flag.ContinueOnError)
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

	ctx := context.Background()
	telemetry, err := otel.Setup(ctx, otel.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("bridged: telemetry shutdown: %v", err)
		}
	}()
	instruments := telemetry.Broker()

	b := bridge.New(*socketPath)
	b.OnConn = func(remote string) {
		log.Printf("bridged: tunnel from %s", remote)
	}
	b.OnBytes = func(n int64) {
		instruments.AddTunnelBytes(ctx, n)
	}

	bound, err := b.Listen(port)
	if err != nil {
		return err
	}
	defer b.Close()

	b.AnnouncePort(os.Stdout)
	log.Printf("bridged: relaying 127.0.0.1:%d onto %s", bound, *socketPath)

	return b.Serve()
}
