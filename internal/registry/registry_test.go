package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/relay/internal/stats"
	"github.com/relaychat/relay/internal/testutil"
	"github.com/relaychat/relay/internal/types"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()

	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 100
	}
	if cfg.MaxConnectionsPerIdentity == 0 {
		cfg.MaxConnectionsPerIdentity = 10
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}

	return NewRegistry(testutil.TestLogger(t), stats.NoopStats{}, cfg)
}

func acceptingConn(identityID string) *Connection {
	return NewConnection(identityID, func(types.Event) bool { return true }, func() {})
}

func TestRegister(t *testing.T) {
	r := newTestRegistry(t, Config{})

	c := acceptingConn("alice")
	assert.Equal(t, StateConnecting, c.State(), "expected a new connection to be connecting")

	err := r.Register(c)
	assert.NoError(t, err, "expected register to succeed")
	assert.Equal(t, StateActive, c.State(), "expected the connection active after register")
	assert.Equal(t, 1, r.Len(), "expected one live connection")
	assert.Equal(t, 1, r.IdentityConnections("alice"), "expected one connection for alice")
}

func TestRegisterCaps(t *testing.T) {
	t.Run("global cap", func(t *testing.T) {
		r := newTestRegistry(t, Config{MaxConnections: 2})

		require.NoError(t, r.Register(acceptingConn("alice")))
		require.NoError(t, r.Register(acceptingConn("bob")))

		err := r.Register(acceptingConn("carol"))
		assert.ErrorIs(t, err, ErrCapacityExceeded, "expected the global cap to reject")
		assert.Equal(t, 2, r.Len(), "expected the rejected connection not indexed")
	})

	t.Run("per-identity cap", func(t *testing.T) {
		r := newTestRegistry(t, Config{MaxConnectionsPerIdentity: 2})

		require.NoError(t, r.Register(acceptingConn("alice")))
		require.NoError(t, r.Register(acceptingConn("alice")))

		err := r.Register(acceptingConn("alice"))
		assert.ErrorIs(t, err, ErrCapacityExceeded, "expected the per-identity cap to reject")

		// Other identities are unaffected.
		assert.NoError(t, r.Register(acceptingConn("bob")),
			"expected another identity to register under the same global cap")
	})
}

func TestAtCapacity(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConnectionsPerIdentity: 1})

	assert.False(t, r.AtCapacity("alice"), "expected headroom before any registration")
	require.NoError(t, r.Register(acceptingConn("alice")))
	assert.True(t, r.AtCapacity("alice"), "expected alice at her cap")
	assert.False(t, r.AtCapacity("bob"), "expected bob unaffected by alice's cap")
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t, Config{})

	c := acceptingConn("alice")
	require.NoError(t, r.Register(c))

	r.Deregister(c.ID)
	assert.Equal(t, StateClosed, c.State(), "expected the connection closed")
	assert.Equal(t, 0, r.Len(), "expected no live connections")
	assert.Equal(t, 0, r.IdentityConnections("alice"), "expected alice's index cleared")

	// Deregistering again is a no-op.
	r.Deregister(c.ID)
	assert.Equal(t, 0, r.Len(), "expected idempotent deregister")
}

func TestTouch(t *testing.T) {
	r := newTestRegistry(t, Config{})

	c := acceptingConn("alice")
	require.NoError(t, r.Register(c))

	c.state.Store(int32(StateIdle))
	before := c.LastActivity()

	time.Sleep(time.Millisecond)
	r.Touch(c.ID)

	assert.Equal(t, StateActive, c.State(), "expected an idle connection to become active on touch")
	assert.True(t, c.LastActivity().After(before), "expected last activity bumped")

	// Touching an unknown connection must not panic.
	r.Touch(acceptingConn("ghost").ID)
}

func TestDeliverLocal(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.LiveConnections).Times(3)
	su.On("Incr", stats.LocalDeliveries).Once()
	su.On("Incr", stats.DroppedFrames).Once()
	defer su.AssertExpectations(t)

	r := NewRegistry(testutil.TestLogger(t), su, Config{
		MaxConnections:            100,
		MaxConnectionsPerIdentity: 10,
		IdleTimeout:               time.Minute,
		SweepInterval:             time.Minute,
	})

	var delivered []types.Event
	queued := NewConnection("alice", func(e types.Event) bool {
		delivered = append(delivered, e)
		return true
	}, func() {})
	full := NewConnection("alice", func(types.Event) bool { return false }, func() {})
	other := acceptingConn("bob")

	require.NoError(t, r.Register(queued))
	require.NoError(t, r.Register(full))
	require.NoError(t, r.Register(other))

	event := types.Event{Kind: types.EventMessageSent, RoomID: "r1"}
	count := r.DeliverLocal("alice", event)
	assert.Equal(t, 1, count, "expected one fanned-out delivery; the full queue does not count")
	assert.Len(t, delivered, 1, "expected the event on the draining connection")

	assert.Equal(t, 0, r.DeliverLocal("nobody", event),
		"expected zero deliveries for an unknown identity")
}

func TestDeliverLocalSkipsInactive(t *testing.T) {
	r := newTestRegistry(t, Config{})

	c := acceptingConn("alice")
	require.NoError(t, r.Register(c))
	c.state.Store(int32(StateClosing))

	assert.Equal(t, 0, r.DeliverLocal("alice", types.Event{Kind: types.EventMessageSent}),
		"expected no delivery to a closing connection")

	// An idle connection is quiet, not gone; its socket still receives.
	c.state.Store(int32(StateIdle))
	assert.Equal(t, 1, r.DeliverLocal("alice", types.Event{Kind: types.EventMessageSent}),
		"expected delivery to an idle connection")
}

func TestRooms(t *testing.T) {
	c := acceptingConn("alice")

	c.AddRoom("r1")
	c.AddRoom("r2")
	assert.ElementsMatch(t, []string{"r1", "r2"}, c.Rooms(), "expected both rooms tracked")

	c.RemoveRoom("r1")
	assert.Equal(t, []string{"r2"}, c.Rooms(), "expected r1 removed")
}

func TestSweep(t *testing.T) {
	r := newTestRegistry(t, Config{IdleTimeout: 10 * time.Millisecond, SweepInterval: time.Hour})

	closed := make(chan struct{})
	stale := NewConnection("alice", func(types.Event) bool { return true }, func() { close(closed) })
	fresh := acceptingConn("bob")

	require.NoError(t, r.Register(stale))
	require.NoError(t, r.Register(fresh))

	stale.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())

	// The first pass only marks the connection; closing waits for the
	// second so an inbound frame in between can revive it.
	r.sweep()
	assert.Equal(t, StateIdle, stale.State(), "expected the stale connection marked idle")
	assert.Equal(t, 2, r.Len(), "expected the idle connection still registered")

	r.sweep()
	select {
	case <-closed:
	default:
		t.Fatal("expected the stale connection's close callback to fire")
	}
	assert.Equal(t, StateClosed, stale.State(), "expected the stale connection closed")
	assert.Equal(t, 1, r.Len(), "expected only the fresh connection left")
	assert.Equal(t, StateActive, fresh.State(), "expected the fresh connection untouched")
}

func TestSweepTouchRevives(t *testing.T) {
	r := newTestRegistry(t, Config{IdleTimeout: 10 * time.Millisecond, SweepInterval: time.Hour})

	c := acceptingConn("alice")
	require.NoError(t, r.Register(c))

	c.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())
	r.sweep()
	require.Equal(t, StateIdle, c.State(), "expected the connection marked idle")

	// An inbound frame between passes brings it back.
	r.Touch(c.ID)
	assert.Equal(t, StateActive, c.State(), "expected touch to revive the idle connection")

	r.sweep()
	assert.Equal(t, StateActive, c.State(), "expected the revived connection untouched by the next pass")
	assert.Equal(t, 1, r.Len(), "expected the connection still registered")
}

func TestShutdown(t *testing.T) {
	r := newTestRegistry(t, Config{SweepInterval: time.Millisecond})
	go r.Run()

	var closedCount int
	for i := 0; i < 3; i++ {
		c := NewConnection("alice", func(types.Event) bool { return true }, func() { closedCount++ })
		require.NoError(t, r.Register(c))
	}

	r.Shutdown()
	assert.Equal(t, 3, closedCount, "expected every connection force-closed")
	assert.Equal(t, 0, r.Len(), "expected the registry emptied")
}
