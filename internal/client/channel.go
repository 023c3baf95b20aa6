package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/core"
	"github.com/arohealth/teleconsult/internal/domain"
)

var ErrNotConnected = errors.New("channel not connected")

const channelWriteWait = 5 * time.Second

type EventKind int

const (
	// EventOpen: the channel (re)connected and the queue was flushed.
	EventOpen EventKind = iota
	// EventFrame: an inbound message.
	EventFrame
	// EventDisconnected: the connection dropped; reconnection is underway.
	EventDisconnected
	// EventExhausted: the reconnect budget is spent, the channel is dead.
	EventExhausted
)

// Event is the single ordered stream a channel consumer sees: opens,
// frames and disconnects arrive in the order they happened, so no
// consumer-side locking is needed to reason about connection state.
type Event struct {
	Kind  EventKind
	Frame core.Frame
	Err   error
}

type ChannelConfig struct {
	URL       string
	HealthURL string
	// Binary: payload frames go out as binary messages (audio chunks).
	Binary       bool
	QueueCap     int
	Base         time.Duration
	Max          time.Duration
	Attempts     int
	ProbeTimeout time.Duration
}

// Channel is a WebSocket client connection that survives network drops:
// it probes the server, redials with exponential backoff, queues frames
// sent while disconnected and flushes them in order on reconnect.
type Channel struct {
	cfg    ChannelConfig
	rc     *Reconnector
	probe  *resty.Client
	queue  *core.ChunkQueue
	events chan Event
	state  atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn

	dial func(ctx context.Context) (*websocket.Conn, error)
}

func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = core.DefaultQueueCapacity
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	c := &Channel{
		cfg:    cfg,
		rc:     NewReconnector(cfg.Base, cfg.Max, cfg.Attempts),
		queue:  core.NewChunkQueue(cfg.QueueCap),
		events: make(chan Event, 64),
	}
	if cfg.HealthURL != "" {
		c.probe = resty.New().SetTimeout(cfg.ProbeTimeout)
	}
	c.dial = func(ctx context.Context) (*websocket.Conn, error) {
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			return nil, err
		}
		return ws, nil
	}
	c.state.Store(int32(domain.StateIdle))
	return c
}

// Events returns the event stream. It is closed when Run returns.
func (c *Channel) Events() <-chan Event { return c.events }

func (c *Channel) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

func (c *Channel) setState(s domain.ConnectionState) { c.state.Store(int32(s)) }

// QueuedLen reports how many frames wait for the next flush.
func (c *Channel) QueuedLen() int { return c.queue.Len() }

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// the reconnect budget is exhausted.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.events)
	c.setState(domain.StateConnecting)

	for {
		ws, err := c.connect(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.channel").
				Str("url", c.cfg.URL).Int("attempt", c.rc.Attempts()).
				Msg("connect failed")
			if werr := c.waitRetry(ctx); werr != nil {
				return werr
			}
			continue
		}

		c.mu.Lock()
		c.conn = ws
		c.mu.Unlock()
		c.rc.Reset()
		c.setState(domain.StateOpen)
		c.emit(Event{Kind: EventOpen})
		c.flushQueue()

		err = c.readLoop(ctx, ws)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			c.setState(domain.StateClosed)
			return ctx.Err()
		}
		c.setState(domain.StateReconnecting)
		c.emit(Event{Kind: EventDisconnected, Err: err})
		if werr := c.waitRetry(ctx); werr != nil {
			return werr
		}
	}
}

// connect gates the dial behind a cheap health probe so a dead server
// costs one HTTP round trip instead of a hanging upgrade.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.probe != nil {
		resp, err := c.probe.R().SetContext(ctx).Get(c.cfg.HealthURL)
		if err != nil {
			return nil, fmt.Errorf("health probe: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("health probe: %s", resp.Status())
		}
	}
	return c.dial(ctx)
}

func (c *Channel) waitRetry(ctx context.Context) error {
	delay, err := c.rc.Next()
	if err != nil {
		c.setState(domain.StateClosed)
		c.emit(Event{Kind: EventExhausted, Err: err})
		return err
	}
	log.Info().Str("module", "client.channel").Str("url", c.cfg.URL).
		Dur("delay", delay).Int("attempt", c.rc.Attempts()).
		Msg("waiting before reconnect")
	select {
	case <-ctx.Done():
		c.setState(domain.StateClosed)
		return ctx.Err()
	case <-time.After(delay):
		c.setState(domain.StateConnecting)
		return nil
	}
}

func (c *Channel) readLoop(ctx context.Context, ws *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseAbnormalClosure {
				log.Warn().Str("module", "client.channel").Int("code", ce.Code).
					Msg("abnormal closure, server gone without close frame")
			}
			return err
		}
		c.emit(Event{Kind: EventFrame, Frame: data})
	}
}

func (c *Channel) emit(ev Event) {
	c.events <- ev
}

// Send delivers a payload frame, or queues it while disconnected. A full
// queue rejects the newest frame; what is already buffered is older and
// therefore more valuable.
func (c *Channel) Send(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.writeLocked(f); err == nil {
			return nil
		}
		// The reader will notice the broken connection; keep the frame.
	}
	return c.queue.Enqueue(f)
}

// SendControl sends a liveness frame. Control traffic is never queued:
// a stale ping is worthless after reconnect.
func (c *Channel) SendControl(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(channelWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f)
}

func (c *Channel) writeLocked(f core.Frame) error {
	mt := websocket.TextMessage
	if c.cfg.Binary {
		mt = websocket.BinaryMessage
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(channelWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, f)
}

func (c *Channel) flushQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	sent, err := c.queue.Flush(c.writeLocked)
	if err != nil {
		log.Warn().Err(err).Str("module", "client.channel").Int("sent", sent).
			Msg("queue flush interrupted, remainder kept")
		return
	}
	if sent > 0 {
		log.Info().Str("module", "client.channel").Int("sent", sent).
			Msg("flushed queued frames after reconnect")
	}
}
