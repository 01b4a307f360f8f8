package broker

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tether-sh/tether/internal/config"
	"github.com/tether-sh/tether/internal/envelope"
	"github.com/tether-sh/tether/internal/policy"
)

func shCommands() []config.CommandConfig {
	return []config.CommandConfig{{Name: "sh", Bin: "sh"}}
}

func TestHandleConnExecStreamsAndExits(t *testing.T) {
	b := New(Options{Commands: shCommands()})
	client := startEnvelopeBroker(t, b)

	var stdout, stderr bytes.Buffer
	code, err := client.RunCommand(&envelope.Message{
		Type:    envelope.TypeCommandRequest,
		Command: "sh",
		Args:    []string{"-c", "printf out-data; printf err-data >&2; exit 7"},
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("running command: %v", err)
	}

	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
	if stdout.String() != "out-data" {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if stderr.String() != "err-data" {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestHandleConnExecCwd(t *testing.T) {
	dir := t.TempDir()
	b := New(Options{Commands: shCommands()})
	client := startEnvelopeBroker(t, b)

	var stdout, stderr bytes.Buffer
	code, err := client.RunCommand(&envelope.Message{
		Type:    envelope.TypeCommandRequest,
		Command: "sh",
		Args:    []string{"-c", "pwd"},
		Cwd:     dir,
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("running command: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != dir {
		t.Fatalf("pwd = %q, want %q", got, dir)
	}
}

func TestHandleConnExecEnvPassthroughWins(t *testing.T) {
	t.Setenv("TEST_GH_TOKEN", "host-secret")
	b := New(Options{Commands: []config.CommandConfig{
		{Name: "sh", Bin: "sh", EnvPassthrough: []string{"TEST_GH_TOKEN"}},
	}})
	client := startEnvelopeBroker(t, b)

	var stdout, stderr bytes.Buffer
	code, err := client.RunCommand(&envelope.Message{
		Type:    envelope.TypeCommandRequest,
		Command: "sh",
		Args:    []string{"-c", `printf "%s" "$TEST_GH_TOKEN"`},
		Env:     map[string]string{"TEST_GH_TOKEN": "sandbox-forgery"},
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("running command: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr.String())
	}
	if stdout.String() != "host-secret" {
		t.Fatalf("TEST_GH_TOKEN = %q, want the host value", stdout.String())
	}
}

func TestHandleConnExecUnknownCommand(t *testing.T) {
	b := New(Options{Commands: shCommands()})
	client := startEnvelopeBroker(t, b)

	var stdout, stderr bytes.Buffer
	_, err := client.RunCommand(&envelope.Message{
		Type:    envelope.TypeCommandRequest,
		Command: "rm",
		Args:    []string{"-rf", "/"},
	}, &stdout, &stderr)

	var remote *envelope.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	if !strings.Contains(remote.Message, "rm") {
		t.Fatalf("error message %q does not name the command", remote.Message)
	}
}

func TestHandleConnExecPolicyDenied(t *testing.T) {
	pol, err := policy.FromString("exec.cedar", `
permit (principal, action, resource);
forbid (
    principal,
    action == Action::"ExecCommand",
    resource == Cmd::Binary::"sh"
) when { context.args like "*rm*" };
`)
	if err != nil {
		t.Fatalf("compiling policy: %v", err)
	}

	b := New(Options{Commands: shCommands(), Policy: pol})
	client := startEnvelopeBroker(t, b)

	var stdout, stderr bytes.Buffer
	_, err = client.RunCommand(&envelope.Message{
		Type:    envelope.TypeCommandRequest,
		Command: "sh",
		Args:    []string{"-c", "rm -rf ."},
	}, &stdout, &stderr)
	var remote *envelope.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("denied exec: err = %v, want RemoteError", err)
	}

	code, err := client.RunCommand(&envelope.Message{
		Type:    envelope.TypeCommandRequest,
		Command: "sh",
		Args:    []string{"-c", "true"},
	}, &stdout, &stderr)
	if err != nil || code != 0 {
		t.Fatalf("permitted exec: code = %d, err = %v", code, err)
	}
}

func TestHandleConnExecSpawnFailure(t *testing.T) {
	b := New(Options{Commands: []config.CommandConfig{
		{Name: "ghost", Bin: "/nonexistent/tether-test-binary"},
	}})
	client := startEnvelopeBroker(t, b)

	var stdout, stderr bytes.Buffer
	_, err := client.RunCommand(&envelope.Message{
		Type:    envelope.TypeCommandRequest,
		Command: "ghost",
	}, &stdout, &stderr)
	var remote *envelope.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want RemoteError for spawn failure", err)
	}
}
