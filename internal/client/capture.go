package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// CaptureSource produces timed audio chunks. Sources can go quiet or
// break mid-call; Healthy/Restart let the supervisor heal them without
// tearing the session down.
type CaptureSource interface {
	Start(ctx context.Context) error
	Chunks() <-chan []byte
	Healthy() bool
	Restart() error
	Close()
}

// SyntheticSource emits deterministic PCM-like frames at the chunk
// cadence. It stands in for a microphone on headless peers and in load
// tests.
type SyntheticSource struct {
	cadence time.Duration
	size    int
	out     chan []byte
	healthy atomic.Bool
	seq     atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewSyntheticSource(cadence time.Duration, size int) *SyntheticSource {
	s := &SyntheticSource{
		cadence: cadence,
		size:    size,
		out:     make(chan []byte, 4),
	}
	s.healthy.Store(true)
	return s
}

func (s *SyntheticSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.healthy.Load() {
					continue
				}
				select {
				case s.out <- s.frame():
				default:
					// Consumer stalled; dropping here beats blocking the
					// ticker and bunching chunks together.
				}
			}
		}
	}()
	return nil
}

func (s *SyntheticSource) frame() []byte {
	n := s.seq.Add(1)
	buf := make([]byte, s.size)
	for i := range buf {
		buf[i] = byte(n) + byte(i)
	}
	return buf
}

func (s *SyntheticSource) Chunks() <-chan []byte { return s.out }

func (s *SyntheticSource) Healthy() bool { return s.healthy.Load() }

func (s *SyntheticSource) Restart() error {
	s.healthy.Store(true)
	log.Info().Str("module", "client.capture").Msg("capture source restarted")
	return nil
}

func (s *SyntheticSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// CaptureSupervisor checks the source on a fixed tick and restarts it
// when it stops reporting healthy, so a wedged recorder heals without
// user action.
type CaptureSupervisor struct {
	src      CaptureSource
	interval time.Duration
	restarts atomic.Int32
}

func NewCaptureSupervisor(src CaptureSource, interval time.Duration) *CaptureSupervisor {
	return &CaptureSupervisor{src: src, interval: interval}
}

// Restarts reports how many times the source was healed.
func (s *CaptureSupervisor) Restarts() int { return int(s.restarts.Load()) }

func (s *CaptureSupervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.src.Healthy() {
				continue
			}
			log.Warn().Str("module", "client.capture").Msg("capture unhealthy, restarting")
			if err := s.src.Restart(); err != nil {
				log.Error().Err(err).Str("module", "client.capture").Msg("capture restart failed")
				continue
			}
			s.restarts.Add(1)
		}
	}
}
