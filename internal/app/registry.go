package app

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("user not connected")

type connEntry struct {
	Conn   domain.Connection
	Signal core.SignalConnection
}

// Registry maps a user id to its single live signaling connection.
// It knows nothing about call sessions.
type Registry struct {
	mu    sync.RWMutex
	users map[domain.UserID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[domain.UserID]*connEntry),
	}
}

// Register binds conn to sig. A previous connection of the same user is
// closed before the new one becomes resolvable.
func (r *Registry) Register(conn domain.Connection, sig core.SignalConnection) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.users[conn.UserID]; ok {
		old.Signal.Close()
		evicted = true
		log.Info().
			Str("module", "app.registry").
			Str("user", string(conn.UserID)).
			Str("old_conn", string(old.Conn.ID)).
			Str("new_conn", string(conn.ID)).
			Msg("evicted previous connection")
	}
	r.users[conn.UserID] = &connEntry{Conn: conn, Signal: sig}
	log.Info().Str("module", "app.registry").Str("user", string(conn.UserID)).Str("conn", string(conn.ID)).Msg("registered")
	return evicted
}

func (r *Registry) Resolve(uid domain.UserID) (core.SignalConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.users[uid]; ok {
		return e.Signal, nil
	}
	return nil, ErrNotConnected
}

func (r *Registry) Lookup(uid domain.UserID) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.users[uid]; ok {
		return e.Conn, true
	}
	return domain.Connection{}, false
}

// Unregister drops the entry owned by sig. It is a no-op when a newer
// registration already replaced sig, so a stale close cannot remove it.
func (r *Registry) Unregister(uid domain.UserID, sig core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.users[uid]
	if !ok || e.Conn.ID != sig.ID() {
		log.Debug().Str("module", "app.registry").Str("user", string(uid)).Str("conn", string(sig.ID())).Msg("stale unregister ignored")
		return false
	}
	delete(r.users, uid)
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("conn", string(sig.ID())).Msg("unregistered")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Snapshot returns connected users ordered by user id.
func (r *Registry) Snapshot() []domain.Connection {
	r.mu.RLock()
	out := make([]domain.Connection, 0, len(r.users))
	for _, e := range r.users {
		out = append(out, e.Conn)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
