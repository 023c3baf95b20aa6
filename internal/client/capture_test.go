package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	healthy    atomic.Bool
	restartErr error

	mu       sync.Mutex
	restarts int
}

func (f *fakeSource) Start(context.Context) error { return nil }
func (f *fakeSource) Chunks() <-chan []byte       { return nil }
func (f *fakeSource) Healthy() bool               { return f.healthy.Load() }
func (f *fakeSource) Close()                      {}

func (f *fakeSource) Restart() error {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
	if f.restartErr != nil {
		return f.restartErr
	}
	f.healthy.Store(true)
	return nil
}

func (f *fakeSource) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func TestCaptureSupervisor_RestartsUnhealthySource(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.healthy.Store(false)
	sup := NewCaptureSupervisor(src, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sup.Restarts() >= 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, src.Healthy())
}

func TestCaptureSupervisor_LeavesHealthySourceAlone(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.healthy.Store(true)
	sup := NewCaptureSupervisor(src, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = sup.Run(ctx)

	assert.Equal(t, 0, src.restartCount())
}

func TestCaptureSupervisor_RetriesAfterFailedRestart(t *testing.T) {
	t.Parallel()

	src := &fakeSource{restartErr: errors.New("device busy")}
	src.healthy.Store(false)
	sup := NewCaptureSupervisor(src, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return src.restartCount() >= 2
	}, time.Second, 5*time.Millisecond, "keeps trying while restarts fail")
	assert.Equal(t, 0, sup.Restarts())
}

func TestSyntheticSource_EmitsAtCadence(t *testing.T) {
	t.Parallel()

	src := NewSyntheticSource(10*time.Millisecond, 256)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Start(ctx))
	defer src.Close()

	select {
	case chunk := <-src.Chunks():
		assert.Len(t, chunk, 256)
	case <-time.After(time.Second):
		t.Fatal("no chunk produced")
	}
}
