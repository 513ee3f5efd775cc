// SPDX-License-Identifier: Apache-2.0

package host

import (
	"sync"
	"time"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures the per-namespace circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold int

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
}

// Breaker stops dispatching to a namespace that keeps failing.
type Breaker struct {
	name      string
	config    BreakerConfig
	now       func() time.Time
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func newBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, config: cfg, now: now, state: BreakerClosed}
}

// Allow returns an error while the circuit is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	if b.state == BreakerOpen {
		return rterrors.Newf(rterrors.CodeHostFailure, "circuit open for %s", b.name).
			WithContext("breaker", b.name).
			WithRecoverable(false)
	}
	return nil
}

// Record updates the breaker with the outcome of a dispatch.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		switch b.state {
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.state = BreakerClosed
				b.failures = 0
			}
		case BreakerClosed:
			b.failures = 0
		}
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.failures = 0
		b.successes = 0
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type breakerSet struct {
	config BreakerConfig
	now    func() time.Time
	mu     sync.Mutex
	byName map[string]*Breaker
}

func (s *breakerSet) get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byName[name]
	if !ok {
		b = newBreaker(name, s.config, s.now)
		s.byName[name] = b
	}
	return b
}
