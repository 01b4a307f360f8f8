// Package policy authorizes broker operations against a Cedar policy set.
// The policy file is compiled once at startup; the broker consults it
// before contacting any upstream or spawning any process.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cedar "github.com/cedar-policy/cedar-go"
)

// Entity and action names used in policy requests.
const (
	actionFetch      = "ProxyFetch"
	actionExec       = "ExecCommand"
	principalType    = "Sandbox"
	principalDefault = "default"
	providerType     = "Api::Provider"
	commandType      = "Cmd::Binary"
)

// Policy wraps a compiled Cedar policy set. A zero Policy (no file) permits
// everything so the broker still serves its basic contract without one.
type Policy struct {
	set *cedar.PolicySet
}

// Load compiles the Cedar policy at path. A missing file yields the
// permissive default.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Policy{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return FromString(filepath.Base(path), string(data))
}

// FromString compiles inline Cedar policy text.
func FromString(name, text string) (*Policy, error) {
	set, err := cedar.NewPolicySetFromBytes(name, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("parse cedar policy %s: %w", name, err)
	}
	return &Policy{set: set}, nil
}

// AllowFetch reports whether a proxied fetch for the matched provider
// prefix may proceed.
func (p *Policy) AllowFetch(prefix, method, path string) bool {
	if p == nil || p.set == nil {
		return true
	}
	req := cedar.Request{
		Principal: cedar.NewEntityUID(principalType, principalDefault),
		Action:    cedar.NewEntityUID("Action", actionFetch),
		Resource:  cedar.NewEntityUID(providerType, cedar.String(prefix)),
		Context: cedar.NewRecord(cedar.RecordMap{
			"method": cedar.String(strings.ToUpper(method)),
			"path":   cedar.String(path),
		}),
	}
	decision, _ := cedar.Authorize(p.set, cedar.EntityMap{}, req)
	return decision == cedar.Allow
}

// AllowExec reports whether a shim command invocation may proceed.
func (p *Policy) AllowExec(command string, args []string, cwd string) bool {
	if p == nil || p.set == nil {
		return true
	}
	req := cedar.Request{
		Principal: cedar.NewEntityUID(principalType, principalDefault),
		Action:    cedar.NewEntityUID("Action", actionExec),
		Resource:  cedar.NewEntityUID(commandType, cedar.String(command)),
		Context: cedar.NewRecord(cedar.RecordMap{
			"args": cedar.String(strings.Join(args, " ")),
			"cwd":  cedar.String(cwd),
		}),
	}
	decision, _ := cedar.Authorize(p.set, cedar.EntityMap{}, req)
	return decision == cedar.Allow
}
