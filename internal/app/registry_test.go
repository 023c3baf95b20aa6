package app

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohealth/teleconsult/internal/core"
	"github.com/arohealth/teleconsult/internal/domain"
)

type fakeConn struct {
	mu      sync.Mutex
	frames  []core.Frame
	sendErr error
	closed  bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) sent() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) types(t *testing.T) []domain.MessageType {
	t.Helper()
	var out []domain.MessageType
	for _, f := range c.sent() {
		mt, err := domain.PeekType(f)
		require.NoError(t, err)
		out = append(out, mt)
	}
	return out
}

func newTestRegistry() *Registry {
	return NewRegistry("signal", 10, time.Minute)
}

func TestRegistry_AdmitFirstAndSecond(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	doctor := &fakeConn{}
	patient := &fakeConn{}

	res, rec := reg.Admit("s1", domain.RoleDoctor, "tok-doc", doctor)
	require.Equal(t, AdmittedFirst, res)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StateOpen, rec.State)

	res, _ = reg.Admit("s1", domain.RolePatient, "tok-pat", patient)
	assert.Equal(t, AdmittedSecond, res)

	got, ok := reg.Counterpart("s1", domain.RolePatient)
	require.True(t, ok)
	assert.Equal(t, domain.RoleDoctor, got.Role)
}

func TestRegistry_SameRoleReconnectSupersedes(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	_, old := reg.Admit("s1", domain.RoleDoctor, "tok", first)
	res, cur := reg.Admit("s1", domain.RoleDoctor, "tok", second)

	require.Equal(t, Superseded, res)
	assert.NotEqual(t, old.ID, cur.ID)
	assert.True(t, first.isClosed())
	assert.Contains(t, first.types(t), domain.MsgSuperseded)

	// The stale handle dropping later must not evict the live one.
	reg.Drop("s1", domain.RoleDoctor, old.ID)
	got, ok := reg.Lookup("s1", domain.RoleDoctor)
	require.True(t, ok)
	assert.Equal(t, cur.ID, got.ID)
}

func TestRegistry_ThirdClientRefusedSessionFull(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	doctor := &fakeConn{}
	intruder := &fakeConn{}

	_, rec := reg.Admit("s1", domain.RoleDoctor, "tok-doc", doctor)
	res, got := reg.Admit("s1", domain.RoleDoctor, "tok-other", intruder)

	assert.Equal(t, SessionFull, res)
	assert.Nil(t, got)
	assert.False(t, doctor.isClosed())

	cur, ok := reg.Lookup("s1", domain.RoleDoctor)
	require.True(t, ok)
	assert.Equal(t, rec.ID, cur.ID)
}

func TestRegistry_AtMostOneConnectionPerRole(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	for i := 0; i < 5; i++ {
		reg.Admit("s1", domain.RoleDoctor, "tok-doc", &fakeConn{})
		reg.Admit("s1", domain.RolePatient, "tok-pat", &fakeConn{})
	}
	assert.Equal(t, 1, reg.ActiveSessions())
	_, ok := reg.Lookup("s1", domain.RoleDoctor)
	assert.True(t, ok)
	_, ok = reg.Lookup("s1", domain.RolePatient)
	assert.True(t, ok)
}

func TestRegistry_CollectsEmptySessionsAfterGrace(t *testing.T) {
	t.Parallel()

	reg := NewRegistry("signal", 10, 30*time.Second)
	now := time.Now()
	reg.now = func() time.Time { return now }

	_, rec := reg.Admit("s1", domain.RoleDoctor, "tok", &fakeConn{})
	reg.Drop("s1", domain.RoleDoctor, rec.ID)

	// Within the grace window the session survives for reconnects.
	reg.collect()
	reg.mu.Lock()
	_, alive := reg.sessions["s1"]
	reg.mu.Unlock()
	assert.True(t, alive)

	now = now.Add(31 * time.Second)
	reg.collect()
	reg.mu.Lock()
	_, alive = reg.sessions["s1"]
	reg.mu.Unlock()
	assert.False(t, alive)
}

func TestRegistry_SupersedeInheritsPendingQueue(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, rec := reg.Admit("s1", domain.RoleDoctor, "tok", &fakeConn{})
	require.NoError(t, rec.Pending.Enqueue(core.Frame(`{"type":"ice-candidate"}`)))

	_, cur := reg.Admit("s1", domain.RoleDoctor, "tok", &fakeConn{})
	assert.Equal(t, 1, cur.Pending.Len())
}
