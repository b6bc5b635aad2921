package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vanshika/graphlens/internal/domain"
)

// Saved is a named connection target kept for a session.
type Saved struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	GraphName  string            `json:"graph_name,omitempty"`
	Active     bool              `json:"active"`
	Descriptor domain.Descriptor `json:"-"`
}

// Seed is a named target copied into every new session's saved list.
type Seed struct {
	Name       string
	Descriptor domain.Descriptor
}

// WithSeeds copies seeds into each session the first time it is used. Each
// copy gets its own id.
func WithSeeds(seeds ...Seed) Option {
	return func(s *Store) { s.seeds = append(s.seeds, seeds...) }
}

func newSaved(name string, d domain.Descriptor) Saved {
	return Saved{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       string(d.Kind()),
		GraphName:  domain.GraphName(d),
		Descriptor: d,
	}
}

func (s *Store) seed(sl *slot) {
	sl.seeded = true
	sl.lastUsed = s.now()
	for _, seed := range s.seeds {
		sl.saved = append(sl.saved, newSaved(seed.Name, seed.Descriptor))
	}
}

func (sl *slot) find(id string) int {
	for i, sv := range sl.saved {
		if sv.ID == id {
			return i
		}
	}
	return -1
}

func (sl *slot) named(name string) int {
	for i, sv := range sl.saved {
		if sv.Name == name {
			return i
		}
	}
	return -1
}

func (sl *slot) view(i int) Saved {
	sv := sl.saved[i]
	sv.Active = sv.ID == sl.active
	return sv
}

// Save adds a named target to the session's saved connections. An empty name
// becomes "Connection N". A name already in use is a ConflictError.
func (s *Store) Save(session, name string, d domain.Descriptor) (Saved, error) {
	if session == "" {
		return Saved{}, domain.Validationf("session id is required")
	}
	if d == nil {
		return Saved{}, domain.Validationf("connection descriptor is required")
	}
	if err := d.Validate(); err != nil {
		return Saved{}, err
	}

	sl := s.lock(session)
	defer sl.mu.Unlock()

	if name == "" {
		for n := len(sl.saved) + 1; ; n++ {
			name = fmt.Sprintf("Connection %d", n)
			if sl.named(name) < 0 {
				break
			}
		}
	} else if sl.named(name) >= 0 {
		return Saved{}, domain.Conflictf("a connection named %q already exists", name)
	}

	sv := newSaved(name, d)
	sl.saved = append(sl.saved, sv)
	sl.lastUsed = s.now()
	s.logger.Info("connection saved", "session", session, "name", name, "backend", d.Kind())
	return sv, nil
}

// List returns the session's saved connections in the order they were added.
func (s *Store) List(session string) []Saved {
	if session == "" {
		return []Saved{}
	}
	sl := s.lock(session)
	defer sl.mu.Unlock()

	out := make([]Saved, 0, len(sl.saved))
	for i := range sl.saved {
		out = append(out, sl.view(i))
	}
	s.retireIfEmpty(session, sl)
	return out
}

// Lookup returns the saved connection named name.
func (s *Store) Lookup(session, name string) (Saved, bool) {
	if session == "" {
		return Saved{}, false
	}
	sl := s.lock(session)
	defer sl.mu.Unlock()

	i := sl.named(name)
	if i < 0 {
		s.retireIfEmpty(session, sl)
		return Saved{}, false
	}
	return sl.view(i), true
}

// Select makes the saved connection id the session's target, as Register
// does for an unsaved descriptor.
func (s *Store) Select(ctx context.Context, session, id string) (Saved, error) {
	if session == "" {
		return Saved{}, domain.Validationf("session id is required")
	}
	sl := s.lock(session)
	defer sl.mu.Unlock()

	i := sl.find(id)
	if i < 0 {
		s.retireIfEmpty(session, sl)
		return Saved{}, domain.Validationf("connection %q not found", id)
	}
	if err := s.switchTo(ctx, session, sl, sl.saved[i].Descriptor); err != nil {
		return Saved{}, err
	}
	sl.active = id
	return sl.view(i), nil
}

// Remove deletes the saved connection id. Removing the active one also
// forgets the session's target and releases its connection.
func (s *Store) Remove(ctx context.Context, session, id string) (Saved, error) {
	if session == "" {
		return Saved{}, domain.Validationf("session id is required")
	}
	sl := s.lock(session)
	i := sl.find(id)
	if i < 0 {
		s.retireIfEmpty(session, sl)
		sl.mu.Unlock()
		return Saved{}, domain.Validationf("connection %q not found", id)
	}

	removed := sl.view(i)
	sl.saved = append(sl.saved[:i], sl.saved[i+1:]...)
	var conn *Connection
	if removed.Active {
		conn = sl.conn
		sl.conn = nil
		sl.desc = nil
		sl.active = ""
	}
	s.retireIfEmpty(session, sl)
	sl.mu.Unlock()

	s.logger.Info("connection removed", "session", session, "name", removed.Name, "active", removed.Active)
	return removed, s.release(ctx, conn)
}
