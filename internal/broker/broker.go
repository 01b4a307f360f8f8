// Package broker implements the trusted host-side process: the only
// component holding real credentials. It classifies inbound requests
// against the provider and command tables, injects the bound credential or
// spawns the bound binary, and relays results back to the sandbox.
package broker

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tether-sh/tether/internal/config"
	"github.com/tether-sh/tether/internal/events"
	"github.com/tether-sh/tether/internal/policy"
	"github.com/tether-sh/tether/internal/secrets"
	"github.com/tether-sh/tether/internal/telemetry/otel"
)

// ErrNoProvider indicates no provider prefix matched; nothing upstream was
// contacted.
var ErrNoProvider = errors.New("no matching provider")

// ErrNoCommand indicates the requested command has no host-side binding.
var ErrNoCommand = errors.New("no matching command")

// ErrDenied indicates the policy rejected the request.
var ErrDenied = errors.New("denied by policy")

// UpstreamError wraps a failure reaching the real service. Its message may
// carry upstream diagnostics but never the injected credential value.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// command binds a shim command name to the host binary serving it.
type command struct {
	bin            string
	envPassthrough []string
}

// Options configures a Broker. Events and Instruments are optional.
type Options struct {
	Providers   Providers
	Commands    []config.CommandConfig
	Secrets     *secrets.Store
	Policy      *policy.Policy
	Events      *events.Hub
	Instruments *otel.BrokerInstruments
	HTTPClient  *http.Client
}

// Broker holds the immutable request-handling state. All fields are
// read-only after New, so concurrent connections share nothing mutable.
type Broker struct {
	providers   Providers
	commands    map[string]command
	secrets     *secrets.Store
	policy      *policy.Policy
	events      *events.Hub
	instruments *otel.BrokerInstruments
	httpClient  *http.Client
}

// New builds a broker from the given options.
func New(opts Options) *Broker {
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	commands := make(map[string]command, len(opts.Commands))
	for _, cc := range opts.Commands {
		if cc.Name == "" {
			continue
		}
		bin := cc.Bin
		if bin == "" {
			bin = cc.Name
		}
		commands[cc.Name] = command{bin: bin, envPassthrough: cc.EnvPassthrough}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return &Broker{
		providers:   providers,
		commands:    commands,
		secrets:     opts.Secrets,
		policy:      opts.Policy,
		events:      opts.Events,
		instruments: opts.Instruments,
		httpClient:  httpClient,
	}
}

func (b *Broker) emit(event string, payload any) {
	if b.events != nil {
		b.events.EmitJSON(event, payload)
	}
}
