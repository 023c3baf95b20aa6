// Package client implements the peer side of a consultation: reconnecting
// channels, negotiation, capture and the caption stream.
package client

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// Reconnector produces the delay before each reconnect attempt: the base
// delay doubling per attempt up to the cap, with a fixed attempt budget.
// Delays are deterministic so the peer's behavior under flaky networks is
// predictable and testable.
type Reconnector struct {
	bo       *backoff.ExponentialBackOff
	budget   int
	attempts int
}

func NewReconnector(base, max time.Duration, budget int) *Reconnector {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Reconnector{bo: bo, budget: budget}
}

// Next returns the delay to wait before the next attempt, or
// ErrRetriesExhausted once the budget is spent.
func (r *Reconnector) Next() (time.Duration, error) {
	if r.attempts >= r.budget {
		return 0, ErrRetriesExhausted
	}
	r.attempts++
	return r.bo.NextBackOff(), nil
}

// Attempts reports how many delays have been handed out since the last
// reset.
func (r *Reconnector) Attempts() int { return r.attempts }

// Reset restores the full budget and the base delay. Called after a
// connection is successfully re-established.
func (r *Reconnector) Reset() {
	r.attempts = 0
	r.bo.Reset()
}
