// Package shim implements the sandbox-side command stand-in. It looks like
// the real binary to the caller but carries no credential: every invocation
// is forwarded over the bridge socket and executed by the host broker.
package shim

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tether-sh/tether/internal/config"
	"github.com/tether-sh/tether/internal/envelope"
	"github.com/tether-sh/tether/internal/transport"
)

// connectFailureExit is returned when the bridge socket is unreachable,
// mirroring the shell convention for an unrunnable command.
const connectFailureExit = 126

// ExitCodeError propagates the exact exit status produced by the command
// running on the host. Returning a plain error would flatten every failure
// to exit code 1; this wrapper keeps the original status while still
// fitting into our error handling.
type ExitCodeError struct {
	code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

func (e *ExitCodeError) ExitCode() int {
	return e.code
}

// Options configures one shim invocation.
type Options struct {
	SocketPath   string
	Command      string
	Args         []string
	EnvAllowlist []string
	TolerateEOF  bool

	Stdout io.Writer
	Stderr io.Writer
}

// Run forwards one command invocation to the broker and relays its output,
// returning the remote exit code.
func Run(opts Options) (int, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return 0, fmt.Errorf("resolve working directory: %w", err)
	}

	env := make(map[string]string, len(opts.EnvAllowlist))
	for _, name := range opts.EnvAllowlist {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}

	client := &envelope.Client{SocketPath: opts.SocketPath, TolerateEOF: opts.TolerateEOF}
	return client.RunCommand(&envelope.Message{
		Type:    envelope.TypeCommandRequest,
		Command: opts.Command,
		Args:    opts.Args,
		Cwd:     cwd,
		Env:     env,
	}, opts.Stdout, opts.Stderr)
}

// Main is the process entrypoint: it loads configuration and runs the
// invocation named by args. A nonzero remote exit comes back as
// *ExitCodeError so the caller can mirror the exact status; shim
// diagnostics go to stderr only.
func Main(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	code, err := Run(Options{
		SocketPath:   cfg.Socket.Path,
		Command:      cfg.Shim.Command,
		Args:         args,
		EnvAllowlist: cfg.Shim.EnvAllowlistOrDefault(),
		TolerateEOF:  cfg.Shim.TolerateEOF,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	})
	if err != nil {
		var connectErr *transport.ConnectError
		if errors.As(err, &connectErr) {
			fmt.Fprintf(os.Stderr, "tether shim: %v (is the broker running?)\n", err)
			return &ExitCodeError{code: connectFailureExit}
		}
		fmt.Fprintf(os.Stderr, "tether shim: %v\n", err)
		return &ExitCodeError{code: 1}
	}
	if code != 0 {
		return &ExitCodeError{code: code}
	}
	return nil
}
