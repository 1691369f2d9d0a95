package registry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"skillvault/internal/apperr"
)

// DefaultSchedule is the delay before each retry.
var DefaultSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// DefaultRetries is the number of retries after the first attempt.
const DefaultRetries = 3

// RetryPolicy wraps a whole read (fast path plus slow path) or write
// submission. It makes 1+Retries attempts, waits per the schedule between
// them, and once attempts run out surfaces the first error.
type RetryPolicy struct {
	Retries  int
	Schedule []time.Duration
	// Retryable decides whether an error warrants another attempt.
	Retryable func(error) bool
	// Sleep waits between attempts; tests swap in a fake clock.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns the standard read policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: DefaultRetries, Schedule: DefaultSchedule}
}

// RetryableRead retries transport and registry failures. NOT_FOUND and
// every non-network kind are final.
func RetryableRead(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindNetwork:
		return true
	case apperr.KindRegistry:
		return apperr.RegistryCodeOf(err) != apperr.CodeNotFound
	}
	return false
}

// RetryableWrite retries only transport failures.
func RetryableWrite(err error) bool {
	return apperr.KindOf(err) == apperr.KindNetwork
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if len(p.Schedule) == 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = DefaultSchedule[0]
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxInterval = DefaultSchedule[len(DefaultSchedule)-1]
		return b
	}
	return &scheduleBackOff{schedule: p.Schedule}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn under policy p.
func Do[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = RetryableRead
	}
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	b := p.backOff()
	b.Reset()

	var zero T
	var first error
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Unwrap()
		}
		if !retryable(err) {
			return zero, err
		}
		if first == nil {
			first = err
		}
		if attempt > retries {
			return zero, first
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return zero, first
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return zero, first
		}
	}
}

// scheduleBackOff replays a fixed schedule and repeats its last delay.
type scheduleBackOff struct {
	schedule []time.Duration
	next     int
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	if len(s.schedule) == 0 {
		return backoff.Stop
	}
	i := s.next
	if i >= len(s.schedule) {
		i = len(s.schedule) - 1
	}
	s.next++
	return s.schedule[i]
}

func (s *scheduleBackOff) Reset() { s.next = 0 }
