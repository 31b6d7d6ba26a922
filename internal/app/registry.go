package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
)

var (
	ErrUsernameTaken = errors.New("username already registered")
	ErrUnknownClient = errors.New("unknown client")
)

type clientEntry struct {
	Conn     core.SignalConnection
	Cancel   context.CancelFunc
	Position *domain.Position

	registeredAt time.Time
}

// Registry owns the username -> client mapping. It is the only shared
// mutable state in the process; every access goes through the mutex.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.Username]*clientEntry

	// reservationTTL > 0 expires names that registered but never connected.
	// Zero keeps them reserved until the process dies.
	reservationTTL time.Duration
	now            func() time.Time
}

func NewRegistry(reservationTTL time.Duration) *Registry {
	return &Registry{
		clients:        make(map[domain.Username]*clientEntry),
		reservationTTL: reservationTTL,
		now:            time.Now,
	}
}

// Register reserves a username. It is a name reservation, not a login:
// a name already present conflicts whether or not it is connected.
func (r *Registry) Register(name domain.Username) error {
	if err := domain.ValidateUsername(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; ok {
		return ErrUsernameTaken
	}
	r.clients[name] = &clientEntry{registeredAt: r.now()}
	log.Info().Str("module", "app.registry").Str("username", string(name)).Msg("registered client")
	return nil
}

// Bind attaches a live connection to a registered name. Last bind wins: a
// previous handle is closed and its session canceled.
func (r *Registry) Bind(name domain.Username, conn core.SignalConnection, cancel context.CancelFunc) error {
	r.mu.Lock()
	entry, ok := r.clients[name]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownClient
	}
	prevConn, prevCancel := entry.Conn, entry.Cancel
	entry.Conn = conn
	entry.Cancel = cancel
	r.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevConn != nil {
		prevConn.Close()
	}
	log.Info().Str("module", "app.registry").Str("username", string(name)).Msg("bound connection")
	return nil
}

func (r *Registry) SetPosition(name domain.Username, pos domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.clients[name]
	if !ok {
		return ErrUnknownClient
	}
	entry.Position = &pos
	return nil
}

// UpdatePosition stores the position and captures the broadcast list under
// one lock hold, so the fan-out is never for an already-removed identity.
func (r *Registry) UpdatePosition(name domain.Username, pos domain.Position) ([]core.SignalConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.clients[name]
	if !ok {
		return nil, ErrUnknownClient
	}
	entry.Position = &pos
	out := make([]core.SignalConnection, 0, len(r.clients))
	for _, e := range r.clients {
		if e.Conn != nil {
			out = append(out, e.Conn)
		}
	}
	return out, nil
}

// Known reports whether the name is currently registered.
func (r *Registry) Known(name domain.Username) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}

// Remove deletes the identity outright. Idempotent; reports whether an
// entry was actually removed.
func (r *Registry) Remove(name domain.Username) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; !ok {
		return false
	}
	delete(r.clients, name)
	log.Info().Str("module", "app.registry").Str("username", string(name)).Msg("removed client")
	return true
}

// ReleaseConn removes the identity only while conn is still its bound
// handle. The disconnect path uses this so a stale socket, replaced by a
// later bind, cannot tear down the fresh session when it finally dies.
func (r *Registry) ReleaseConn(name domain.Username, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.clients[name]
	if !ok || entry.Conn != conn {
		return false
	}
	delete(r.clients, name)
	log.Info().Str("module", "app.registry").Str("username", string(name)).Msg("released client")
	return true
}

// Conn returns the live handle for a name, if it has one.
func (r *Registry) Conn(name domain.Username) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.clients[name]
	if !ok || entry.Conn == nil {
		return nil, false
	}
	return entry.Conn, true
}

// Connections captures every currently bound handle. Broadcasts iterate
// this capture; joins and leaves during the iteration are best-effort.
func (r *Registry) Connections() []core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SignalConnection, 0, len(r.clients))
	for _, entry := range r.clients {
		if entry.Conn != nil {
			out = append(out, entry.Conn)
		}
	}
	return out
}

type PositionSnap struct {
	Username domain.Username
	Position domain.Position
}

// Snapshot lists every identity with a known position, in arbitrary order.
// Sent to a freshly bound connection so it sees the world state at once.
func (r *Registry) Snapshot() []PositionSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PositionSnap, 0, len(r.clients))
	for name, entry := range r.clients {
		if entry.Position != nil {
			out = append(out, PositionSnap{Username: name, Position: *entry.Position})
		}
	}
	return out
}

// Sweep drops reservations that never bound a connection within the TTL.
// Connected identities are never swept; only socket closure removes them.
func (r *Registry) Sweep(now time.Time) int {
	if r.reservationTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	swept := 0
	for name, entry := range r.clients {
		if entry.Conn == nil && now.Sub(entry.registeredAt) >= r.reservationTTL {
			delete(r.clients, name)
			swept++
			log.Info().Str("module", "app.registry").Str("username", string(name)).Msg("expired stale reservation")
		}
	}
	return swept
}

// RunSweeper blocks until ctx is done, periodically expiring stale
// reservations. A no-op when the TTL is disabled.
func (r *Registry) RunSweeper(ctx context.Context) {
	if r.reservationTTL <= 0 {
		return
	}
	interval := r.reservationTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
