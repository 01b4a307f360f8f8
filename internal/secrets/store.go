// Package secrets substitutes sandbox-visible placeholder tokens with real
// credential values on the trusted side of the bridge. The sandbox only
// ever sees placeholders; the value never crosses the boundary.
package secrets

import (
	"errors"
	"fmt"
	"strings"
)

// Placeholders shorter than this are rejected to avoid accidental matches
// inside unrelated request bytes.
const minPlaceholderLength = 16

// ErrInvalidPlaceholder indicates a binding failed validation.
var ErrInvalidPlaceholder = errors.New("invalid placeholder")

// Binding pairs one placeholder token with the credential value that
// replaces it.
type Binding struct {
	Placeholder string
	Value       string
}

type entry struct {
	placeholder      string
	placeholderBytes []byte
	value            string
	valueBytes       []byte
}

// Store is the immutable placeholder table, built once at broker startup.
type Store struct {
	entries []entry
}

// NewStore validates the bindings and builds the table. Bindings with an
// empty value (unset credential) are skipped so a missing environment
// variable degrades to a no-op rather than blanking request bytes.
func NewStore(bindings []Binding) (*Store, error) {
	s := &Store{}
	for _, b := range bindings {
		placeholder := strings.TrimSpace(b.Placeholder)
		if len(placeholder) < minPlaceholderLength {
			return nil, fmt.Errorf("%w: %q must be at least %d characters", ErrInvalidPlaceholder, placeholder, minPlaceholderLength)
		}
		if strings.ContainsAny(placeholder, "\r\n") {
			return nil, fmt.Errorf("%w: %q contains line breaks", ErrInvalidPlaceholder, placeholder)
		}
		if b.Value == "" {
			continue
		}
		s.entries = append(s.entries, entry{
			placeholder:      placeholder,
			placeholderBytes: []byte(placeholder),
			value:            b.Value,
			valueBytes:       []byte(b.Value),
		})
	}
	return s, nil
}

// Len reports the number of active bindings.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}
