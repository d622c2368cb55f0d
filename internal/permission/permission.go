// Package permission models the runtime permission gate consulted before the
// camera is bound and before audio is recorded.
package permission

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Permission names one runtime grant.
type Permission string

const (
	Camera      Permission = "camera"
	RecordAudio Permission = "record_audio"
	ReadMedia   Permission = "read_media"
)

// Parse validates a permission name.
func Parse(name string) (Permission, error) {
	switch p := Permission(name); p {
	case Camera, RecordAudio, ReadMedia:
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q", name)
}

// PhotoSet is required by the photo screen.
func PhotoSet() []Permission { return []Permission{Camera} }

// VideoSet is required by the video screen.
func VideoSet() []Permission { return []Permission{Camera, RecordAudio} }

// MediaSet is required by the gallery.
func MediaSet() []Permission { return []Permission{ReadMedia} }

// Gate answers permission checks. IsGranted must be cheap and is called
// synchronously on every check; results are never cached by callers.
type Gate interface {
	IsGranted(perms ...Permission) bool
	// RequestGrant asks the user for perms. It returns once the grant state
	// has been updated, whatever the answer.
	RequestGrant(ctx context.Context, perms ...Permission) error
}

// Prompter answers a grant request; it stands in for the system dialog.
type Prompter func(ctx context.Context, perms []Permission) (granted bool, err error)

// Static is an in-memory Gate. Grants are changed explicitly or through the
// optional Prompter; listeners are told about every change.
type Static struct {
	mu        sync.RWMutex
	granted   map[Permission]bool
	prompt    Prompter
	listeners []func()
}

// NewStatic returns a gate with perms already granted.
func NewStatic(perms ...Permission) *Static {
	s := &Static{granted: make(map[Permission]bool)}
	for _, p := range perms {
		s.granted[p] = true
	}
	return s
}

// SetPrompter installs the function consulted by RequestGrant.
func (s *Static) SetPrompter(p Prompter) {
	s.mu.Lock()
	s.prompt = p
	s.mu.Unlock()
}

// OnChange registers fn to run after any grant change.
func (s *Static) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Static) IsGranted(perms ...Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range perms {
		if !s.granted[p] {
			return false
		}
	}
	return true
}

// Granted lists the granted permissions in name order.
func (s *Static) Granted() []Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.granted))
	for p, ok := range s.granted {
		if ok {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Grant marks perms as granted.
func (s *Static) Grant(perms ...Permission) { s.set(true, perms) }

// Revoke marks perms as denied.
func (s *Static) Revoke(perms ...Permission) { s.set(false, perms) }

func (s *Static) set(v bool, perms []Permission) {
	s.mu.Lock()
	changed := false
	for _, p := range perms {
		if s.granted[p] != v {
			s.granted[p] = v
			changed = true
		}
	}
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn()
		}
	}
}

// RequestGrant consults the prompter for the missing perms. Without a
// prompter the request is denied.
func (s *Static) RequestGrant(ctx context.Context, perms ...Permission) error {
	if s.IsGranted(perms...) {
		return nil
	}
	s.mu.RLock()
	prompt := s.prompt
	s.mu.RUnlock()
	if prompt == nil {
		return nil
	}
	ok, err := prompt(ctx, perms)
	if err != nil {
		return fmt.Errorf("request grant: %w", err)
	}
	if ok {
		s.Grant(perms...)
	}
	return nil
}
