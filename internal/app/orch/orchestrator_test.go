package orch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/tutorcall/internal/app"
	"github.com/dkeye/tutorcall/internal/app/calls"
	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
	"github.com/dkeye/tutorcall/internal/metrics"
)

// recConn records every event sent to it.
type recConn struct {
	id domain.ConnID

	mu      sync.Mutex
	events  []core.Event
	sendErr error
	closed  bool
}

func (c *recConn) ID() domain.ConnID { return c.id }

func (c *recConn) Send(_ context.Context, f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	var ev core.Event
	if err := json.Unmarshal(f, &ev); err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recConn) Events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Event(nil), c.events...)
}

func (c *recConn) OfType(t core.EventType) []core.Event {
	var out []core.Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *recConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch  *Orchestrator
	store *calls.Store
	clock *clock
	seq   atomic.Int64
}

func newHarness(t *testing.T, policy app.CallPolicy) *harness {
	t.Helper()
	h := &harness{clock: &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}}
	var ids atomic.Int64
	h.store = calls.NewStore(calls.Config{
		RingTimeout:   30 * time.Second,
		AnswerTimeout: 15 * time.Second,
		Grace:         time.Minute,
	},
		calls.WithClock(h.clock.Now),
		calls.WithIDGenerator(func() domain.SessionID {
			return domain.SessionID(fmt.Sprintf("call-%d", ids.Add(1)))
		}),
	)
	h.orch = &Orchestrator{
		Registry:    app.NewRegistry(),
		Calls:       h.store,
		Policy:      policy,
		Metrics:     metrics.New("test"),
		SendTimeout: 100 * time.Millisecond,
	}
	return h
}

func (h *harness) connect(uid domain.UserID, role domain.Role) *recConn {
	c := &recConn{id: domain.ConnID(fmt.Sprintf("conn-%d", h.seq.Add(1)))}
	h.orch.Connect(domain.Connection{ID: c.id, UserID: uid, Role: role, AdmittedAt: h.clock.Now()}, c)
	return c
}

func tutor(uid domain.UserID) domain.Identity {
	return domain.Identity{UserID: uid, Role: domain.RoleTutor}
}

func student(uid domain.UserID) domain.Identity {
	return domain.Identity{UserID: uid, Role: domain.RoleStudent}
}

var sdp = domain.Blob(`{"type":"offer","sdp":"v=0"}`)

func TestCallFlow_OfferToHangup(t *testing.T) {
	h := newHarness(t, app.TutoringPolicy{})
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	bob := h.connect("bob", domain.RoleStudent)

	sess, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRinging, sess.State)

	incoming := bob.OfType(core.EventIncomingCall)
	require.Len(t, incoming, 1)
	assert.Equal(t, sess.ID, incoming[0].SessionID)
	assert.Equal(t, domain.UserID("alice"), incoming[0].CallerID)
	assert.Equal(t, domain.RoleTutor, incoming[0].CallerRole)
	assert.Equal(t, domain.CallVideo, incoming[0].Kind)
	assert.JSONEq(t, string(sdp), string(incoming[0].Offer))

	_, err = h.orch.Candidate(ctx, "alice", sess.ID, domain.Blob(`{"candidate":"a"}`))
	require.NoError(t, err)
	require.Len(t, bob.OfType(core.EventICECandidate), 1)

	sess, err = h.orch.Accept(ctx, "bob", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAccepted, sess.State)
	require.Len(t, alice.OfType(core.EventCallAccepted), 1)

	sess, err = h.orch.Answer(ctx, "bob", sess.ID, domain.Blob(`{"type":"answer"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, sess.State)
	answers := alice.OfType(core.EventCallAnswer)
	require.Len(t, answers, 1)
	assert.JSONEq(t, `{"type":"answer"}`, string(answers[0].Answer))

	sess, err = h.orch.Candidate(ctx, "bob", sess.ID, domain.Blob(`{"candidate":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StateConnected, sess.State)
	require.Len(t, alice.OfType(core.EventICECandidate), 1)

	sess, err = h.orch.End(ctx, "bob", sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateEnded, sess.State)
	ended := alice.OfType(core.EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, domain.ReasonHangup, ended[0].Reason)
	assert.Zero(t, h.store.ActiveCount())
}

func TestCallUser_CalleeOffline(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice", domain.RoleTutor)

	_, err := h.orch.CallUser(context.Background(), tutor("alice"), "bob", domain.CallAudio, sdp)
	require.ErrorIs(t, err, app.ErrNotConnected)

	failed := alice.OfType(core.EventCallFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.ReasonNotConnected, failed[0].Reason)
	assert.Empty(t, failed[0].SessionID)
	assert.Zero(t, h.store.ActiveCount())
}

func TestCallUser_Refusals(t *testing.T) {
	h := newHarness(t, app.TutoringPolicy{})
	ctx := context.Background()
	h.connect("alice", domain.RoleStudent)
	h.connect("bob", domain.RoleStudent)

	_, err := h.orch.CallUser(ctx, student("alice"), "alice", domain.CallVideo, sdp)
	assert.ErrorIs(t, err, ErrSelfCall)

	_, err = h.orch.CallUser(ctx, student("alice"), "bob", domain.CallVideo, sdp)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, h.store.ActiveCount())
}

func TestCallUser_ConflictEitherDirection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect("alice", domain.RoleTutor)
	h.connect("bob", domain.RoleStudent)

	_, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)

	_, err = h.orch.CallUser(ctx, student("bob"), "alice", domain.CallVideo, sdp)
	assert.ErrorIs(t, err, calls.ErrConflict)
	assert.Equal(t, 1, h.store.ActiveCount())
}

func TestAccept_OnlyOnceAndOnlyByCallee(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	h.connect("bob", domain.RoleStudent)

	sess, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)

	_, err = h.orch.Accept(ctx, "alice", sess.ID)
	assert.ErrorIs(t, err, calls.ErrInvalidTransition)

	_, err = h.orch.Accept(ctx, "bob", sess.ID)
	require.NoError(t, err)
	_, err = h.orch.Accept(ctx, "bob", sess.ID)
	assert.ErrorIs(t, err, calls.ErrInvalidTransition)

	assert.Len(t, alice.OfType(core.EventCallAccepted), 1)
}

func TestRelay_Preconditions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect("alice", domain.RoleTutor)
	h.connect("bob", domain.RoleStudent)
	mallory := h.connect("mallory", domain.RoleStudent)

	sess, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)

	_, err = h.orch.Answer(ctx, "bob", sess.ID, sdp)
	assert.ErrorIs(t, err, calls.ErrInvalidTransition, "answer before accept")

	_, err = h.orch.Candidate(ctx, "mallory", sess.ID, sdp)
	assert.ErrorIs(t, err, calls.ErrInvalidTransition, "outsider")
	assert.Empty(t, mallory.Events())

	_, err = h.orch.RelayOffer(ctx, "bob", sess.ID, sdp)
	assert.ErrorIs(t, err, calls.ErrInvalidTransition, "offer from callee")

	_, err = h.orch.End(ctx, "alice", "missing", "")
	assert.ErrorIs(t, err, calls.ErrNotFound)

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRinging, got.State)
}

func TestReject_CarriesReason(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	h.connect("bob", domain.RoleStudent)

	sess, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallAudio, sdp)
	require.NoError(t, err)

	sess, err = h.orch.Reject(ctx, "bob", sess.ID, "busy")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, sess.State)
	assert.Equal(t, "busy", sess.Reason)

	rejected := alice.OfType(core.EventCallRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "busy", rejected[0].Reason)

	_, err = h.orch.Accept(ctx, "bob", sess.ID)
	assert.ErrorIs(t, err, calls.ErrInvalidTransition)
}

func TestDeliveryTimeout_FailsSessionAndTellsSender(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	bob := h.connect("bob", domain.RoleStudent)
	bob.failSends(core.ErrDeliveryTimeout)

	sess, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.ErrorIs(t, err, core.ErrDeliveryTimeout)
	assert.Equal(t, domain.StateFailed, sess.State)
	assert.Equal(t, domain.ReasonDeliveryTimeout, sess.Reason)

	failed := alice.OfType(core.EventCallFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, sess.ID, failed[0].SessionID)
	assert.Zero(t, h.store.ActiveCount())
}

func TestDisconnect_FailsOnlyOwnSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	bob := h.connect("bob", domain.RoleStudent)
	h.connect("carol", domain.RoleTutor)
	dave := h.connect("dave", domain.RoleStudent)

	s1, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)
	s2, err := h.orch.CallUser(ctx, tutor("carol"), "dave", domain.CallVideo, sdp)
	require.NoError(t, err)

	h.orch.Disconnect(ctx, "bob", bob)

	got1, err := h.store.Get(s1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got1.State)
	assert.Equal(t, domain.ReasonPeerDisconnected, got1.Reason)

	failed := alice.OfType(core.EventCallFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, s1.ID, failed[0].SessionID)

	got2, err := h.store.Get(s2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRinging, got2.State)
	assert.Empty(t, dave.OfType(core.EventCallFailed))

	_, err = h.orch.Registry.Resolve("bob")
	assert.ErrorIs(t, err, app.ErrNotConnected)
}

func TestDisconnect_CallerLeavesWhileRinging(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	bob := h.connect("bob", domain.RoleStudent)
	carol := h.connect("carol", domain.RoleTutor)
	dave := h.connect("dave", domain.RoleStudent)

	s1, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallAudio, sdp)
	require.NoError(t, err)
	s2, err := h.orch.CallUser(ctx, tutor("carol"), "dave", domain.CallAudio, sdp)
	require.NoError(t, err)

	h.orch.Disconnect(ctx, "alice", alice)

	got1, err := h.store.Get(s1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got1.State)
	assert.Equal(t, domain.ReasonPeerDisconnected, got1.Reason)

	failed := bob.OfType(core.EventCallFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, s1.ID, failed[0].SessionID)

	got2, err := h.store.Get(s2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRinging, got2.State)
	assert.Empty(t, carol.OfType(core.EventCallFailed))
	assert.Empty(t, dave.OfType(core.EventCallFailed))
}

func TestDisconnect_StaleHandleKeepsNewConnection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect("alice", domain.RoleTutor)
	oldBob := h.connect("bob", domain.RoleStudent)

	sess, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)

	newBob := h.connect("bob", domain.RoleStudent)
	assert.True(t, oldBob.closed)

	h.orch.Disconnect(ctx, "bob", oldBob)

	sig, err := h.orch.Registry.Resolve("bob")
	require.NoError(t, err)
	assert.Same(t, newBob, sig)

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRinging, got.State)

	// The reconnected callee can still accept.
	_, err = h.orch.Accept(ctx, "bob", sess.ID)
	require.NoError(t, err)
}

func TestExpire_RingTimeoutNotifiesOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	bob := h.connect("bob", domain.RoleStudent)

	sess, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)

	// ICE traffic does not push the deadline out.
	h.clock.Advance(20 * time.Second)
	_, err = h.orch.Candidate(ctx, "alice", sess.ID, sdp)
	require.NoError(t, err)
	assert.Zero(t, h.orch.Expire(ctx, h.clock.Now()))

	h.clock.Advance(11 * time.Second)
	assert.Equal(t, 1, h.orch.Expire(ctx, h.clock.Now()))
	assert.Zero(t, h.orch.Expire(ctx, h.clock.Now()))

	for _, c := range []*recConn{alice, bob} {
		timeouts := c.OfType(core.EventCallTimeout)
		require.Len(t, timeouts, 1)
		assert.Equal(t, domain.ReasonRingTimeout, timeouts[0].Reason)
	}

	got, err := h.store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTimeout, got.State)
}

func TestExpire_AnswerTimeout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	h.connect("bob", domain.RoleStudent)

	sess, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)
	h.clock.Advance(25 * time.Second)
	_, err = h.orch.Accept(ctx, "bob", sess.ID)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	assert.Zero(t, h.orch.Expire(ctx, h.clock.Now()))

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, h.orch.Expire(ctx, h.clock.Now()))
	timeouts := alice.OfType(core.EventCallTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, domain.ReasonAnswerTimeout, timeouts[0].Reason)
}

func TestTimeout_LosesToConcurrentAccept(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	alice := h.connect("alice", domain.RoleTutor)
	h.connect("bob", domain.RoleStudent)

	seen, err := h.orch.CallUser(ctx, tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)
	_, err = h.orch.Accept(ctx, "bob", seen.ID)
	require.NoError(t, err)

	assert.False(t, h.orch.timeout(ctx, seen))
	assert.Empty(t, alice.OfType(core.EventCallTimeout))

	got, err := h.store.Get(seen.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAccepted, got.State)
}

func TestSupervisor_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("alice", domain.RoleTutor)
	h.connect("bob", domain.RoleStudent)
	_, err := h.orch.CallUser(context.Background(), tutor("alice"), "bob", domain.CallVideo, sdp)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	sup := &Supervisor{Orch: h.orch, Interval: 5 * time.Millisecond, Now: h.clock.Now}
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}
