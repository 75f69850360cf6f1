// Package user holds the profile model and the directory the authenticator
// resolves token subjects against. Durable account storage lives outside this
// system; the in-memory directory is seeded from configuration.
package user

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("user not found")

// Profile is the public summary attached to an admitted connection.
type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email,omitempty"`
}

// Directory resolves a stable user identity to a profile.
type Directory interface {
	FindByID(ctx context.Context, id string) (*Profile, error)
}

type InMemoryDirectory struct {
	mu   sync.RWMutex
	byID map[string]*Profile
}

var _ Directory = (*InMemoryDirectory)(nil)

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{byID: make(map[string]*Profile)}
}

func (d *InMemoryDirectory) Add(p Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := p
	d.byID[p.ID] = &cp
}

func (d *InMemoryDirectory) FindByID(_ context.Context, id string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *InMemoryDirectory) All() []Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Profile, 0, len(d.byID))
	for _, p := range d.byID {
		out = append(out, *p)
	}
	return out
}
