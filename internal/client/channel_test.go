package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohealth/teleconsult/internal/core"
)

// wsTestServer echoes every frame back and records it, with a toggleable
// health endpoint and an optional number of connections to drop right
// after the upgrade.
type wsTestServer struct {
	srv     *httptest.Server
	recv    chan []byte
	healthy atomic.Bool
	drops   atomic.Int32
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{recv: make(chan []byte, 32)}
	s.healthy.Store(true)

	upgr := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !s.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgr.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if s.drops.Load() > 0 {
			s.drops.Add(-1)
			_ = ws.Close()
			return
		}
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.recv <- data
			_ = ws.WriteMessage(mt, data)
		}
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *wsTestServer) healthURL() string { return s.srv.URL + "/health" }

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed early")
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func fastConfig(s *wsTestServer) ChannelConfig {
	return ChannelConfig{
		URL:      s.wsURL(),
		Base:     10 * time.Millisecond,
		Max:      50 * time.Millisecond,
		Attempts: 10,
	}
}

func TestChannel_QueuedFramesFlushedInOrderOnOpen(t *testing.T) {
	t.Parallel()

	s := newWSTestServer(t)
	c := NewChannel(fastConfig(s))

	// Sent while disconnected: all three land in the queue.
	require.NoError(t, c.Send(core.Frame("a")))
	require.NoError(t, c.Send(core.Frame("b")))
	require.NoError(t, c.Send(core.Frame("c")))
	assert.Equal(t, 3, c.QueuedLen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitEvent(t, c.Events(), EventOpen)
	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-s.recv:
			assert.Equal(t, want, string(got))
		case <-time.After(time.Second):
			t.Fatalf("server never received %q", want)
		}
	}
	assert.Equal(t, 0, c.QueuedLen())
}

func TestChannel_QueueRejectsNewestWhenFull(t *testing.T) {
	t.Parallel()

	s := newWSTestServer(t)
	cfg := fastConfig(s)
	cfg.QueueCap = 2
	c := NewChannel(cfg)

	require.NoError(t, c.Send(core.Frame("a")))
	require.NoError(t, c.Send(core.Frame("b")))
	assert.ErrorIs(t, c.Send(core.Frame("c")), core.ErrQueueFull)
	assert.Equal(t, 2, c.QueuedLen())
}

func TestChannel_ReconnectsAfterServerDrop(t *testing.T) {
	t.Parallel()

	s := newWSTestServer(t)
	s.drops.Store(1)
	c := NewChannel(fastConfig(s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitEvent(t, c.Events(), EventOpen)
	waitEvent(t, c.Events(), EventDisconnected)
	waitEvent(t, c.Events(), EventOpen)

	require.NoError(t, c.Send(core.Frame("after")))
	select {
	case got := <-s.recv:
		assert.Equal(t, "after", string(got))
	case <-time.After(time.Second):
		t.Fatal("frame never arrived after reconnect")
	}
}

func TestChannel_GivesUpWhenBudgetExhausted(t *testing.T) {
	t.Parallel()

	s := newWSTestServer(t)
	cfg := fastConfig(s)
	cfg.Attempts = 2
	cfg.Base = 5 * time.Millisecond
	s.srv.Close()

	c := NewChannel(cfg)
	events := c.Events()
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var sawExhausted bool
	for ev := range events {
		if ev.Kind == EventExhausted {
			sawExhausted = true
		}
	}
	assert.True(t, sawExhausted)
}

func TestChannel_HealthProbeGatesDial(t *testing.T) {
	t.Parallel()

	s := newWSTestServer(t)
	s.healthy.Store(false)
	cfg := fastConfig(s)
	cfg.HealthURL = s.healthURL()
	cfg.Base = 5 * time.Millisecond
	c := NewChannel(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case ev := <-c.Events():
		require.NotEqual(t, EventOpen, ev.Kind, "opened against an unhealthy server")
	case <-time.After(50 * time.Millisecond):
	}

	s.healthy.Store(true)
	waitEvent(t, c.Events(), EventOpen)
}

func TestChannel_InboundFramesSurfaceAsEvents(t *testing.T) {
	t.Parallel()

	s := newWSTestServer(t)
	c := NewChannel(fastConfig(s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitEvent(t, c.Events(), EventOpen)
	require.NoError(t, c.Send(core.Frame("hello")))

	ev := waitEvent(t, c.Events(), EventFrame)
	assert.Equal(t, "hello", string(ev.Frame))
}
