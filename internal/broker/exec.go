package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/tether-sh/tether/internal/envelope"
)

// execChunkSize bounds each stdout/stderr envelope so slow sockets still
// see output promptly.
const execChunkSize = 32 * 1024

// spawnExitCode is reported when the command could not be started at all,
// matching the shell convention for "command not found".
const spawnExitCode = 127

func (b *Broker) handleExecEnvelope(ctx context.Context, conn net.Conn, msg *envelope.Message) {
	start := time.Now()

	ctx, endSpan := b.instruments.StartExecSpan(ctx, msg.Command)

	cmd, err := b.resolveCommand(msg)
	if err != nil {
		b.instruments.RecordError(ctx, "exec_reject")
		b.emit("exec_reject", map[string]any{"command": msg.Command})
		endSpan(0, err)
		writeEnvelope(conn, envelope.NewError(err.Error()))
		return
	}

	code, err := b.runCommand(ctx, conn, cmd, msg)
	if err != nil {
		b.instruments.RecordError(ctx, "exec_spawn")
		endSpan(0, err)
		writeEnvelope(conn, envelope.NewError(fmt.Sprintf("starting %s: %v", msg.Command, err)))
		return
	}

	endSpan(code, nil)
	b.instruments.RecordExec(ctx, msg.Command, code, time.Since(start))
	b.emit("exec", map[string]any{"command": msg.Command, "args": msg.Args, "code": code})
	writeEnvelope(conn, envelope.NewExit(code))
}

func (b *Broker) resolveCommand(msg *envelope.Message) (command, error) {
	cmd, ok := b.commands[msg.Command]
	if !ok {
		return command{}, fmt.Errorf("%w: %q", ErrNoCommand, msg.Command)
	}
	if b.policy != nil && !b.policy.AllowExec(msg.Command, msg.Args, msg.Cwd) {
		return command{}, fmt.Errorf("%w: %s", ErrDenied, msg.Command)
	}
	return cmd, nil
}

// runCommand spawns the bound binary and streams its output as it arrives.
// The returned error covers spawn failures only; a started command always
// yields an exit code, with ExitError codes passed through.
func (b *Broker) runCommand(ctx context.Context, conn net.Conn, cmd command, msg *envelope.Message) (int, error) {
	proc := exec.CommandContext(ctx, cmd.bin, msg.Args...)
	proc.Dir = msg.Cwd
	proc.Env = b.commandEnv(cmd, msg.Env)

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return 0, err
	}

	if err := proc.Start(); err != nil {
		return 0, err
	}

	// One mutex serializes envelope writes so chunks from the two pipes
	// never interleave mid-line.
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	go streamPipe(&mu, &wg, conn, envelope.TypeStdout, stdout)
	go streamPipe(&mu, &wg, conn, envelope.TypeStderr, stderr)
	wg.Wait()

	if err := proc.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return spawnExitCode, nil
	}
	return 0, nil
}

func streamPipe(mu *sync.Mutex, wg *sync.WaitGroup, conn net.Conn, typ string, pipe io.Reader) {
	defer wg.Done()
	buf := make([]byte, execChunkSize)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			mu.Lock()
			writeEnvelope(conn, envelope.NewChunk(typ, buf[:n]))
			mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// commandEnv builds the child environment: a minimal host base, the
// caller's allow-listed variables, then the host-side credential
// passthrough, which wins conflicts so the sandbox cannot override real
// credentials with its own values.
func (b *Broker) commandEnv(cmd command, callerEnv map[string]string) []string {
	env := map[string]string{}
	for _, name := range []string{"PATH", "HOME", "TMPDIR", "LANG", "TERM"} {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}
	for name, value := range callerEnv {
		env[name] = value
	}
	for _, name := range cmd.envPassthrough {
		if value, ok := os.LookupEnv(name); ok {
			env[name] = value
		}
	}

	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name+"="+env[name])
	}
	return out
}
