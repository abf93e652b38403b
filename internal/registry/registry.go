// Package registry is the single source of truth for who is currently
// joined. It maps connection ids to display names and enforces
// case-insensitive name uniqueness across all joined participants.
package registry

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// maxNameLength is the longest display name accepted, in runes.
const maxNameLength = 20

// Rejection reasons travel on the wire verbatim.
var (
	ErrEmptyNickname     = errors.New("empty nickname")
	ErrDuplicateNickname = errors.New("duplicate nickname")
	ErrNicknameTooLong   = errors.New("nickname too long")
	ErrNotJoined         = errors.New("not joined")
)

// Participant is one joined connection. The connection id is opaque and
// never sent to clients.
type Participant struct {
	ConnID   string
	Name     string
	JoinedAt time.Time
}

// Registry holds the authoritative roster. All mutations are serialized
// under one mutex so uniqueness can never be observed torn.
type Registry struct {
	mu     sync.Mutex
	byConn map[string]*Participant
	byName map[string]string // folded name -> conn id
	order  []string          // conn ids in join order
	now    func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byConn: make(map[string]*Participant),
		byName: make(map[string]string),
		now:    time.Now,
	}
}

func fold(name string) string {
	return strings.ToLower(name)
}

func validate(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrEmptyNickname
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", ErrNicknameTooLong
	}
	return trimmed, nil
}

// Register assigns the trimmed requested name to connID. It rejects an
// empty name and a name already held, case-insensitively, by another
// connection. Registering an already-registered connection again is a
// duplicate of its own name and is rejected like any other collision.
func (r *Registry) Register(connID, requested string) (string, error) {
	name, err := validate(requested)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[fold(name)]; taken {
		return "", ErrDuplicateNickname
	}
	if _, exists := r.byConn[connID]; exists {
		return "", ErrDuplicateNickname
	}

	r.byConn[connID] = &Participant{ConnID: connID, Name: name, JoinedAt: r.now()}
	r.byName[fold(name)] = connID
	r.order = append(r.order, connID)
	return name, nil
}

// Rename changes connID's display name. The collision check excludes the
// connection's own current name, so renaming to a different casing of
// oneself succeeds. Atomic with respect to concurrent Register/Rename:
// two renames racing for the same folded name cannot both win.
func (r *Registry) Rename(connID, requested string) (oldName, newName string, err error) {
	name, err := validate(requested)
	if err != nil {
		return "", "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byConn[connID]
	if !ok {
		return "", "", ErrNotJoined
	}
	if holder, taken := r.byName[fold(name)]; taken && holder != connID {
		return "", "", ErrDuplicateNickname
	}

	oldName = p.Name
	delete(r.byName, fold(oldName))
	p.Name = name
	r.byName[fold(name)] = connID
	return oldName, name, nil
}

// Unregister removes connID from the roster and returns the name it
// held. Idempotent: a second call returns ok=false.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	delete(r.byName, fold(p.Name))
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p.Name, true
}

// Resolve looks up a connection by display name, case-insensitively.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byName[fold(strings.TrimSpace(name))]
	return connID, ok
}

// Name returns the display name registered for connID.
func (r *Registry) Name(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	return p.Name, true
}

// Snapshot returns the roster display names in join order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.order))
	for _, id := range r.order {
		names = append(names, r.byConn[id].Name)
	}
	return names
}

// Conns returns the connection ids of all joined participants.
func (r *Registry) Conns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]string, len(r.order))
	copy(conns, r.order)
	return conns
}

// Len returns the current roster size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
