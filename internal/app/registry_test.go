package app

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Beacon/internal/core"
	"github.com/dkeye/Beacon/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func floatPtr(v float64) *float64 { return &v }

func TestRegisterDuplicateConflicts(t *testing.T) {
	reg := NewRegistry(0)

	require.NoError(t, reg.Register("alice"))
	assert.ErrorIs(t, reg.Register("alice"), ErrUsernameTaken)

	// The first registration is untouched by the failed second one.
	assert.True(t, reg.Known("alice"))
	assert.Empty(t, reg.Snapshot())
}

func TestRegisterValidatesUsername(t *testing.T) {
	reg := NewRegistry(0)

	assert.ErrorIs(t, reg.Register(""), domain.ErrUsernameEmpty)

	long := domain.Username(make([]byte, domain.MaxUsernameLen+1))
	assert.ErrorIs(t, reg.Register(long), domain.ErrUsernameTooLong)
}

func TestUsernamesAreCaseSensitive(t *testing.T) {
	reg := NewRegistry(0)

	require.NoError(t, reg.Register("alice"))
	assert.NoError(t, reg.Register("Alice"))
}

func TestBindUnknownUsername(t *testing.T) {
	reg := NewRegistry(0)

	err := reg.Bind("ghost", &fakeConn{}, func() {})
	assert.ErrorIs(t, err, ErrUnknownClient)
	assert.False(t, reg.Known("ghost"))
}

func TestLastBindWins(t *testing.T) {
	reg := NewRegistry(0)
	require.NoError(t, reg.Register("alice"))

	first := &fakeConn{}
	firstCanceled := false
	require.NoError(t, reg.Bind("alice", first, func() { firstCanceled = true }))

	second := &fakeConn{}
	require.NoError(t, reg.Bind("alice", second, func() {}))

	assert.True(t, first.isClosed())
	assert.True(t, firstCanceled)

	conn, ok := reg.Conn("alice")
	require.True(t, ok)
	assert.Same(t, second, conn)

	// The stale socket's teardown must not evict the fresh binding.
	assert.False(t, reg.ReleaseConn("alice", first))
	assert.True(t, reg.Known("alice"))
	assert.True(t, reg.ReleaseConn("alice", second))
	assert.False(t, reg.Known("alice"))
}

func TestSetPositionUnknownUsername(t *testing.T) {
	reg := NewRegistry(0)

	err := reg.SetPosition("ghost", domain.Position{Latitude: 1, Longitude: 2})
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestRemoveIsIdempotentAndFreesName(t *testing.T) {
	reg := NewRegistry(0)
	require.NoError(t, reg.Register("alice"))

	assert.True(t, reg.Remove("alice"))
	assert.False(t, reg.Remove("alice"))

	// The name is free again for a fresh reservation.
	assert.NoError(t, reg.Register("alice"))
}

func TestSnapshotListsOnlyPositionedClients(t *testing.T) {
	reg := NewRegistry(0)
	require.NoError(t, reg.Register("alice"))
	require.NoError(t, reg.Register("bob"))
	require.NoError(t, reg.Register("carol"))

	pos := domain.Position{Latitude: 48.8, Longitude: 2.3, Speed: floatPtr(1.2)}
	require.NoError(t, reg.SetPosition("bob", pos))

	snaps := reg.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.Username("bob"), snaps[0].Username)
	assert.Equal(t, pos, snaps[0].Position)
}

func TestPositionLastWriteWins(t *testing.T) {
	reg := NewRegistry(0)
	require.NoError(t, reg.Register("alice"))

	require.NoError(t, reg.SetPosition("alice", domain.Position{Latitude: 1, Longitude: 1}))
	require.NoError(t, reg.SetPosition("alice", domain.Position{Latitude: 2, Longitude: 2}))

	snaps := reg.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, 2.0, snaps[0].Position.Latitude)
}

func TestConnectionsCapturesOnlyBound(t *testing.T) {
	reg := NewRegistry(0)
	require.NoError(t, reg.Register("alice"))
	require.NoError(t, reg.Register("bob"))

	conn := &fakeConn{}
	require.NoError(t, reg.Bind("alice", conn, func() {}))

	conns := reg.Connections()
	require.Len(t, conns, 1)
	assert.Same(t, conn, conns[0])
}

func TestUpdatePositionReturnsBroadcastCapture(t *testing.T) {
	reg := NewRegistry(0)
	require.NoError(t, reg.Register("alice"))
	require.NoError(t, reg.Register("bob"))
	require.NoError(t, reg.Bind("alice", &fakeConn{}, func() {}))
	require.NoError(t, reg.Bind("bob", &fakeConn{}, func() {}))

	conns, err := reg.UpdatePosition("alice", domain.Position{Latitude: 48.8, Longitude: 2.3})
	require.NoError(t, err)
	assert.Len(t, conns, 2)

	_, err = reg.UpdatePosition("ghost", domain.Position{})
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestSweepExpiresOnlyNeverBoundReservations(t *testing.T) {
	reg := NewRegistry(time.Minute)

	base := time.Now()
	reg.now = func() time.Time { return base }

	require.NoError(t, reg.Register("idle"))
	require.NoError(t, reg.Register("active"))
	require.NoError(t, reg.Bind("active", &fakeConn{}, func() {}))

	assert.Equal(t, 0, reg.Sweep(base.Add(30*time.Second)))
	assert.Equal(t, 1, reg.Sweep(base.Add(2*time.Minute)))

	assert.False(t, reg.Known("idle"))
	assert.True(t, reg.Known("active"))
}

func TestSweepDisabledByDefault(t *testing.T) {
	reg := NewRegistry(0)
	require.NoError(t, reg.Register("idle"))

	assert.Equal(t, 0, reg.Sweep(time.Now().Add(24*time.Hour)))
	assert.True(t, reg.Known("idle"))
}

func TestConcurrentOperationsOnSameName(t *testing.T) {
	reg := NewRegistry(0)
	require.NoError(t, reg.Register("alice"))
	require.NoError(t, reg.Bind("alice", &fakeConn{}, func() {}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = reg.UpdatePosition("alice", domain.Position{Latitude: 1, Longitude: 1})
		}()
		go func() {
			defer wg.Done()
			reg.Remove("alice")
		}()
		go func() {
			defer wg.Done()
			if reg.Register("alice") == nil {
				_ = reg.Bind("alice", &fakeConn{}, func() {})
			}
		}()
	}
	wg.Wait()
}
