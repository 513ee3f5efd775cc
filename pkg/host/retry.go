// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"math"
	"math/rand"
	"time"

	rterrors "github.com/jllopis/rtfscore/pkg/errors"
)

// RetryConfig controls how failed host calls are retried.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (>= 1).
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// Jitter between 0 and 1; 0.1 means ±10%.
	Jitter float64

	// IsRecoverable decides whether an error is worth another attempt.
	IsRecoverable func(error) bool
}

// DefaultRetryConfig retries recoverable failures three times.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: isRecoverableDefault,
	}
}

// NoRetry makes a single attempt.
func NoRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 1}
}

// Do runs fn until it succeeds, fails with an unrecoverable error or the
// attempts run out. It returns the number of attempts made and the last
// error.
func (rc RetryConfig) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = isRecoverableDefault
	}

	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt, rc))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, rterrors.New(rterrors.CodeTimeout, "context done during retry", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts).
					WithRecoverable(false)
			case <-timer.C:
			}
		}
		err := fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if !rc.IsRecoverable(err) {
			return attempt + 1, err
		}
	}
	return rc.MaxAttempts, lastErr
}

func backoff(attempt int, rc RetryConfig) time.Duration {
	if rc.Multiplier == 0 {
		rc.Multiplier = 2.0
	}
	d := time.Duration(float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(attempt-1)))
	if rc.MaxDelay > 0 && d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	if rc.Jitter > 0 {
		spread := float64(d) * rc.Jitter
		d = time.Duration(float64(d) + 2*spread*(rand.Float64()-0.5))
		if d < 0 {
			d = 0
		}
	}
	return d
}

// isRecoverableDefault retries RuntimeErrors flagged recoverable, except
// denials and bad input, and any foreign error.
func isRecoverableDefault(err error) bool {
	if err == nil {
		return false
	}
	switch rterrors.CodeOf(err) {
	case "":
		return true
	case rterrors.CodeHostDenied, rterrors.CodeInvalidInput, rterrors.CodeNotFound:
		return false
	}
	return rterrors.AsRuntimeError(err).Recoverable
}
