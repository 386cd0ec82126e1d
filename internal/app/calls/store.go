// Package calls holds in-flight call negotiations and guards their state
// machine. Every mutation of one session runs under that session's lock;
// sessions never share a lock with each other.
package calls

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/tutorcall/internal/domain"
)

var (
	ErrConflict          = errors.New("active session exists for pair")
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid transition")
)

type Config struct {
	RingTimeout   time.Duration
	AnswerTimeout time.Duration
	// Grace keeps terminal sessions around so a late message is answered
	// with ErrInvalidTransition rather than ErrNotFound.
	Grace time.Duration
}

type entry struct {
	mu     sync.Mutex
	sess   domain.CallSession
	purged bool
}

// Lock order: entry.mu may be held while taking Store.mu, never the reverse.
type Store struct {
	cfg      Config
	now      func() time.Time
	newID    func() domain.SessionID
	onChange func(domain.CallSession)

	mu       sync.RWMutex
	sessions map[domain.SessionID]*entry
	pairs    map[domain.PairKey]domain.SessionID
	byUser   map[domain.UserID]map[domain.SessionID]struct{}
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(gen func() domain.SessionID) Option {
	return func(s *Store) { s.newID = gen }
}

// WithTransitionHook registers fn to observe every created session and every
// committed state change. fn may run inside a session's critical section and
// must not call back into mutating Store methods.
func WithTransitionHook(fn func(domain.CallSession)) Option {
	return func(s *Store) { s.onChange = fn }
}

func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:      cfg,
		now:      time.Now,
		newID:    func() domain.SessionID { return domain.SessionID(uuid.NewString()) },
		sessions: make(map[domain.SessionID]*entry),
		pairs:    make(map[domain.PairKey]domain.SessionID),
		byUser:   make(map[domain.UserID]map[domain.SessionID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a session in INITIATED. It fails with ErrConflict while the
// unordered pair has another non-terminal session.
func (s *Store) Create(caller, callee domain.UserID, kind domain.CallKind) (domain.CallSession, error) {
	now := s.now()
	key := domain.NewPairKey(caller, callee)

	s.mu.Lock()
	if id, ok := s.pairs[key]; ok {
		s.mu.Unlock()
		return domain.CallSession{}, fmt.Errorf("%w: %s", ErrConflict, id)
	}
	sess := domain.CallSession{
		ID:           s.newID(),
		Caller:       caller,
		Callee:       callee,
		Kind:         kind,
		State:        domain.StateInitiated,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[sess.ID] = &entry{sess: sess}
	s.pairs[key] = sess.ID
	s.indexLocked(caller, sess.ID)
	s.indexLocked(callee, sess.ID)
	s.mu.Unlock()

	s.notify(sess)
	log.Info().
		Str("module", "calls.store").
		Str("session", string(sess.ID)).
		Str("caller", string(caller)).
		Str("callee", string(callee)).
		Str("kind", string(kind)).
		Msg("session created")
	return sess, nil
}

func (s *Store) Get(id domain.SessionID) (domain.CallSession, error) {
	e, ok := s.lookup(id)
	if !ok {
		return domain.CallSession{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.purged {
		return domain.CallSession{}, ErrNotFound
	}
	return e.sess, nil
}

// Apply runs fn inside the session's critical section. fn receives a copy it
// may move to another State (and set Reason on); the change is committed only
// if it is an edge of the state graph, whatever fn returns. fn's error is
// passed through.
func (s *Store) Apply(id domain.SessionID, fn func(sess *domain.CallSession) error) (domain.CallSession, error) {
	e, ok := s.lookup(id)
	if !ok {
		return domain.CallSession{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.purged {
		return domain.CallSession{}, ErrNotFound
	}

	cur := e.sess
	work := cur
	fnErr := fn(&work)

	if work.State == cur.State {
		return cur, fnErr
	}
	if !cur.State.CanTransition(work.State) {
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, work.State)
	}

	from := cur.State
	now := s.now()
	cur.State = work.State
	cur.Reason = work.Reason
	cur.LastActivity = now
	if cur.State.Terminal() {
		cur.EndedAt = now
		s.release(cur)
	}
	e.sess = cur
	s.notify(cur)
	log.Info().
		Str("module", "calls.store").
		Str("session", string(cur.ID)).
		Str("from", string(from)).
		Str("to", string(cur.State)).
		Str("reason", cur.Reason).
		Msg("transition")
	return cur, fnErr
}

// Transition is an atomic compare-and-set: the stored state must be one of
// expected and actor must be a participant (SystemActor always is).
func (s *Store) Transition(
	id domain.SessionID,
	expected []domain.CallState,
	next domain.CallState,
	actor domain.UserID,
	reason string,
) (domain.CallSession, error) {
	return s.Apply(id, func(sess *domain.CallSession) error {
		if err := Expect(*sess, actor, expected...); err != nil {
			return err
		}
		sess.State = next
		sess.Reason = reason
		return nil
	})
}

// Expect validates actor and current state against a message precondition.
func Expect(sess domain.CallSession, actor domain.UserID, states ...domain.CallState) error {
	if actor != domain.SystemActor && !sess.HasParticipant(actor) {
		return fmt.Errorf("%w: %s is not a participant", ErrInvalidTransition, actor)
	}
	if !slices.Contains(states, sess.State) {
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, sess.State)
	}
	return nil
}

// Deadline reports when a session in a waiting state expires.
func (s *Store) Deadline(sess domain.CallSession) (time.Time, bool) {
	switch sess.State {
	case domain.StateInitiated, domain.StateRinging:
		return sess.LastActivity.Add(s.cfg.RingTimeout), true
	case domain.StateAccepted:
		return sess.LastActivity.Add(s.cfg.AnswerTimeout), true
	}
	return time.Time{}, false
}

// Sweep returns non-terminal sessions whose deadline passed and purges
// terminal sessions older than the grace window.
func (s *Store) Sweep(now time.Time) []domain.CallSession {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var expired []domain.CallSession
	purged := 0
	for _, e := range entries {
		e.mu.Lock()
		sess := e.sess
		switch {
		case e.purged:
		case sess.State.Terminal():
			if now.Sub(sess.EndedAt) >= s.cfg.Grace {
				e.purged = true
				s.mu.Lock()
				delete(s.sessions, sess.ID)
				s.mu.Unlock()
				purged++
			}
		default:
			if deadline, ok := s.Deadline(sess); ok && !now.Before(deadline) {
				expired = append(expired, sess)
			}
		}
		e.mu.Unlock()
	}
	if purged > 0 {
		log.Debug().Str("module", "calls.store").Int("purged", purged).Msg("sweep purged sessions")
	}
	return expired
}

// ActiveFor lists the non-terminal sessions uid participates in.
func (s *Store) ActiveFor(uid domain.UserID) []domain.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byUser[uid]
	out := make([]domain.SessionID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// Active returns a snapshot of all non-terminal sessions.
func (s *Store) Active() []domain.CallSession {
	s.mu.RLock()
	ids := make([]domain.SessionID, 0, len(s.pairs))
	for _, id := range s.pairs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]domain.CallSession, 0, len(ids))
	for _, id := range ids {
		if sess, err := s.Get(id); err == nil && !sess.State.Terminal() {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Store) notify(sess domain.CallSession) {
	if s.onChange != nil {
		s.onChange(sess)
	}
}

func (s *Store) lookup(id domain.SessionID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

func (s *Store) indexLocked(uid domain.UserID, id domain.SessionID) {
	set, ok := s.byUser[uid]
	if !ok {
		set = make(map[domain.SessionID]struct{})
		s.byUser[uid] = set
	}
	set[id] = struct{}{}
}

// release drops a terminal session from the pair and user indexes.
func (s *Store) release(sess domain.CallSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NewPairKey(sess.Caller, sess.Callee)
	if s.pairs[key] == sess.ID {
		delete(s.pairs, key)
	}
	for _, uid := range []domain.UserID{sess.Caller, sess.Callee} {
		if set, ok := s.byUser[uid]; ok {
			delete(set, sess.ID)
			if len(set) == 0 {
				delete(s.byUser, uid)
			}
		}
	}
}
