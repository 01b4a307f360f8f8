// Package brokerd runs the host-side broker daemon: it owns the bridge
// socket, the optional HTTP listener, and every credential the sandbox is
// kept from seeing.
package brokerd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tether-sh/tether/internal/broker"
	"github.com/tether-sh/tether/internal/config"
	"github.com/tether-sh/tether/internal/events"
	"github.com/tether-sh/tether/internal/httpserver"
	"github.com/tether-sh/tether/internal/policy"
	"github.com/tether-sh/tether/internal/secrets"
	"github.com/tether-sh/tether/internal/telemetry/otel"
	"github.com/tether-sh/tether/internal/transport"
)

const (
	eventBufferSize = 256
	shutdownTimeout = 5 * time.Second
)

type settings struct {
	socketPath string
	httpAddr   string
	policyPath string
}

func parseArgs(args []string, cfg config.Config) (settings, error) {
	fs := flag.NewFlagSet("tether broker", flag.ContinueOnError)
	socketPath := fs.String("socket", cfg.Socket.Path, "bridge socket path")
	httpAddr := fs.String("listen", "", "optional HTTP listen address, e.g. 127.0.0.1:9210")
	policyPath := fs.String("policy", cfg.Broker.PolicyPath, "cedar policy file")
	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}

	addr := *httpAddr
	if fs.NArg() > 0 {
		port, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return settings{}, fmt.Errorf("invalid port %q: %w", fs.Arg(0), err)
		}
		addr = fmt.Sprintf("127.0.0.1:%d", port)
	}

	return settings{
		socketPath: *socketPath,
		httpAddr:   addr,
		policyPath: *policyPath,
	}, nil
}

// Main runs the broker until SIGINT or SIGTERM.
func Main(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := parseArgs(args, cfg)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := otel.Setup(ctx, otel.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("brokerd: telemetry shutdown: %v", err)
		}
	}()

	pol, err := policy.Load(st.policyPath)
	if err != nil {
		return err
	}

	store, err := secretStore(cfg.Broker.Placeholders)
	if err != nil {
		return err
	}

	hub := events.NewHub(eventBufferSize)
	go hub.Run()

	b := broker.New(broker.Options{
		Providers:   broker.ProvidersFromConfig(cfg.Broker.Providers),
		Commands:    cfg.Broker.CommandTable(),
		Secrets:     store,
		Policy:      pol,
		Events:      hub,
		Instruments: telemetry.Broker(),
	})

	listener, err := transport.Listen(st.socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()
	log.Printf("brokerd: serving bridge socket %s", st.socketPath)

	go transport.Serve(listener, func(conn net.Conn) {
		b.HandleConn(ctx, conn)
	})

	var httpServer *http.Server
	if st.httpAddr != "" {
		httpServer = httpserver.New(st.httpAddr, b.Handler())
		go func() {
			log.Printf("brokerd: serving HTTP on %s", st.httpAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("brokerd: http server: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("brokerd: shutting down")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("brokerd: http shutdown: %v", err)
		}
	}
	return nil
}

// secretStore binds configured placeholders to credential values from the
// environment. Placeholders whose variable is unset are skipped so a
// partially configured host still serves the providers it can.
func secretStore(placeholders []config.PlaceholderConfig) (*secrets.Store, error) {
	bindings := make([]secrets.Binding, 0, len(placeholders))
	for _, pc := range placeholders {
		bindings = append(bindings, secrets.Binding{
			Placeholder: pc.Placeholder,
			Value:       os.Getenv(pc.KeyEnv),
		})
	}
	store, err := secrets.NewStore(bindings)
	if err != nil {
		return nil, fmt.Errorf("building secret store: %w", err)
	}
	return store, nil
}
