// Package retry centralises the backoff policy applied to upstream calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"gym_capacity/config"
)

// Policy bounds retries of a single operation. Errors for which Retryable
// returns false stop the loop immediately.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

func FromConfig(cfg config.SyncConfig, retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Retryable:   retryable,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	maxDelay := p.MaxDelay
	if maxDelay < p.BaseDelay {
		maxDelay = p.BaseDelay
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	capped := &cappedBackOff{BackOff: exp, max: maxDelay}
	return backoff.WithContext(backoff.WithMaxRetries(capped, uint64(p.attempts()-1)), ctx)
}

// cappedBackOff clamps jittered intervals to max. MaxInterval alone bounds
// the interval before randomization, not after.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (b *cappedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next > b.max {
		return b.max
	}
	return next
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, next time.Duration) {
		log.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Int("max_attempts", p.attempts()).
			Dur("retry_in", next).
			Msg("Transient failure, retrying")
	}

	return backoff.RetryNotifyWithData(operation, p.newBackOff(ctx), notify)
}
