package registry

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaychat/relay/internal/stats"
	"github.com/relaychat/relay/internal/types"
)

// ErrCapacityExceeded is returned by Register when the global or
// per-identity connection cap is reached. Callers should surface a
// retry-after hint to the client.
var ErrCapacityExceeded = errors.New("connection capacity exceeded")

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateIdle
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the registry's record of one live socket. The registry
// owns the record; the transport layer supplies the deliver and close
// callbacks and never shares the record across processes.
type Connection struct {
	ID            uuid.UUID
	IdentityID    string
	EstablishedAt time.Time

	lastActivity atomic.Int64
	state        atomic.Int32

	roomsMu sync.RWMutex
	rooms   map[string]struct{}

	// deliver pushes an event into the connection's send queue without
	// blocking; false means the frame was not queued.
	deliver func(types.Event) bool
	// close forces the underlying socket shut.
	close func()
}

func NewConnection(identityID string, deliver func(types.Event) bool, close func()) *Connection {
	c := &Connection{
		ID:            uuid.New(),
		IdentityID:    identityID,
		EstablishedAt: time.Now(),
		rooms:         make(map[string]struct{}),
		deliver:       deliver,
		close:         close,
	}
	c.lastActivity.Store(time.Now().UnixNano())
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) AddRoom(roomID string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	c.rooms[roomID] = struct{}{}
}

func (c *Connection) RemoveRoom(roomID string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	delete(c.rooms, roomID)
}

func (c *Connection) Rooms() []string {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

type Config struct {
	MaxConnections            int
	MaxConnectionsPerIdentity int
	IdleTimeout               time.Duration
	SweepInterval             time.Duration
}

// Registry tracks every live connection in this process, indexed by
// connection id and by owning identity. All state is in-memory; cross
// process visibility happens only through the fan-out bus.
type Registry struct {
	log   *log.Logger
	stats stats.StatsProvider
	cfg   Config

	mu         sync.RWMutex
	conns      map[uuid.UUID]*Connection
	byIdentity map[string]map[uuid.UUID]*Connection

	stop chan struct{}
	done chan struct{}
}

func NewRegistry(logger *log.Logger, sp stats.StatsProvider, cfg Config) *Registry {
	return &Registry{
		log:        logger,
		stats:      sp,
		cfg:        cfg,
		conns:      make(map[uuid.UUID]*Connection),
		byIdentity: make(map[string]map[uuid.UUID]*Connection),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Register transitions the connection to Active and indexes it, or
// rejects it when a cap is hit.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) >= r.cfg.MaxConnections {
		return ErrCapacityExceeded
	}
	if len(r.byIdentity[c.IdentityID]) >= r.cfg.MaxConnectionsPerIdentity {
		return ErrCapacityExceeded
	}

	c.state.Store(int32(StateActive))
	c.lastActivity.Store(time.Now().UnixNano())

	r.conns[c.ID] = c
	if r.byIdentity[c.IdentityID] == nil {
		r.byIdentity[c.IdentityID] = make(map[uuid.UUID]*Connection)
	}
	r.byIdentity[c.IdentityID][c.ID] = c

	r.stats.Incr(stats.LiveConnections)
	r.log.Printf("registered connection %s for identity %q", c.ID, c.IdentityID)
	return nil
}

// Touch records inbound activity. Called on every inbound frame.
func (r *Registry) Touch(connID uuid.UUID) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	c.lastActivity.Store(time.Now().UnixNano())
	// An idle connection that speaks again is active.
	c.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
}

// Deregister removes the connection from all indexes. Idempotent.
func (r *Registry) Deregister(connID uuid.UUID) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.conns, connID)
	if byID := r.byIdentity[c.IdentityID]; byID != nil {
		delete(byID, connID)
		if len(byID) == 0 {
			delete(r.byIdentity, c.IdentityID)
		}
	}
	r.mu.Unlock()

	c.state.Store(int32(StateClosed))
	r.stats.Decr(stats.LiveConnections)
	r.log.Printf("deregistered connection %s for identity %q", connID, c.IdentityID)
}

// DeliverLocal pushes the event to every live connection owned by the
// identity in this process. Idle connections still count; their socket
// is open, just quiet. It never blocks; a full send queue counts as
// not delivered for that socket. Returns the number of connections the
// event was queued on; zero means the caller should fall back to
// offline notification.
func (r *Registry) DeliverLocal(identityID string, event types.Event) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byIdentity[identityID]))
	for _, c := range r.byIdentity[identityID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	var delivered int
	for _, c := range conns {
		if st := c.State(); st != StateActive && st != StateIdle {
			continue
		}
		if c.deliver(event) {
			delivered++
		} else {
			r.stats.Incr(stats.DroppedFrames)
		}
	}

	if delivered > 0 {
		r.stats.Incr(stats.LocalDeliveries)
	}
	return delivered
}

// IdentityConnections reports how many live connections an identity
// holds in this process.
func (r *Registry) IdentityConnections(identityID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID])
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AtCapacity reports whether one more connection for the identity
// would exceed a cap. Register still enforces the caps; this lets
// callers reject cheaply before a socket upgrade.
func (r *Registry) AtCapacity(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns) >= r.cfg.MaxConnections ||
		len(r.byIdentity[identityID]) >= r.cfg.MaxConnectionsPerIdentity
}

// Run drives the idle sweep until Shutdown. The sweep is the sole
// writer of the Active to Idle and Idle to Closed transitions outside
// explicit disconnect.
func (r *Registry) Run() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer func() {
		ticker.Stop()
		close(r.done)
	}()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	var stale []*Connection
	for _, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		// First pass marks the connection Idle; a connection still
		// silent on the next pass is closed. Touch reverses the mark.
		if c.state.CompareAndSwap(int32(StateActive), int32(StateIdle)) {
			continue
		}
		if !c.state.CompareAndSwap(int32(StateIdle), int32(StateClosing)) {
			continue
		}

		r.log.Printf("closing idle connection %s for identity %q, last activity %s",
			c.ID, c.IdentityID, c.LastActivity().Format(time.RFC3339))

		c.close()
		r.Deregister(c.ID)
	}
}

func (r *Registry) Shutdown() {
	close(r.stop)
	<-r.done

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.close()
		r.Deregister(c.ID)
	}
}
