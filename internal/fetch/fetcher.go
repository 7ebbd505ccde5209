// Package fetch guards the two authenticated endpoints with a token bucket,
// bounded retries with exponential backoff, and a circuit breaker each.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"livestop/internal/transit"
)

const (
	EndpointStopMonitoring = "stop-monitoring"
	EndpointLineReports    = "line-reports"
)

// Source performs single, unguarded upstream calls. *prim.Client
// implements it.
type Source interface {
	StopMonitoring(ctx context.Context, monitoringRef, lineRef string) ([]transit.Passage, error)
	LineReports(ctx context.Context, reportRef string) ([]transit.Disruption, error)
	LineTopology(ctx context.Context, reportRef string) (transit.Topology, error)
}

// Options tunes the guards. Rates are per credential; each endpoint's
// ceiling is rate × Credentials.
type Options struct {
	StopMonitoringRPS float64
	LineReportsRPS    float64
	Credentials       int
	Burst             int
	MaxQueueWait      time.Duration

	CallTimeout    time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

type endpoint struct {
	name    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	src    Source
	opts   Options
	sm     *endpoint
	lr     *endpoint
	logger *slog.Logger
}

// New wraps src with per-endpoint guards.
func New(src Source, opts Options, logger *slog.Logger) *Fetcher {
	if opts.Credentials < 1 {
		opts.Credentials = 1
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	f := &Fetcher{src: src, opts: opts, logger: logger}
	f.sm = f.newEndpoint(EndpointStopMonitoring, opts.StopMonitoringRPS)
	f.lr = f.newEndpoint(EndpointLineReports, opts.LineReportsRPS)
	return f
}

func (f *Fetcher) newEndpoint(name string, rps float64) *endpoint {
	threshold := f.opts.BreakerThreshold
	if threshold == 0 {
		threshold = 1
	}
	return &endpoint{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(rps*float64(f.opts.Credentials)), f.opts.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     f.opts.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			// Only transient failures say anything about upstream health.
			IsSuccessful: func(err error) bool {
				return err == nil || !transit.IsTransient(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.logger.Warn("circuit breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// FetchStopMonitoring returns the passages at a stop, optionally filtered
// to one line.
func (f *Fetcher) FetchStopMonitoring(ctx context.Context, monitoringRef, lineRef string) ([]transit.Passage, error) {
	return call(ctx, f, f.sm, func(ctx context.Context) ([]transit.Passage, error) {
		return f.src.StopMonitoring(ctx, monitoringRef, lineRef)
	})
}

// FetchLineReport returns the disruptions reported for one line.
func (f *Fetcher) FetchLineReport(ctx context.Context, reportRef string) ([]transit.Disruption, error) {
	return call(ctx, f, f.lr, func(ctx context.Context) ([]transit.Disruption, error) {
		return f.src.LineReports(ctx, reportRef)
	})
}

// FetchLineTopology returns the ordered stop sequences of one line. It is
// served by the same API as line reports and shares that endpoint's
// bucket and breaker.
func (f *Fetcher) FetchLineTopology(ctx context.Context, reportRef string) (transit.Topology, error) {
	return call(ctx, f, f.lr, func(ctx context.Context) (transit.Topology, error) {
		return f.src.LineTopology(ctx, reportRef)
	})
}

// Breakers reports the state of each endpoint's breaker.
func (f *Fetcher) Breakers() map[string]string {
	return map[string]string{
		f.sm.name: f.sm.breaker.State().String(),
		f.lr.name: f.lr.breaker.State().String(),
	}
}

// call runs fn through the endpoint's limiter and breaker, retrying
// transient failures. Every attempt takes a token from the bucket.
func call[T any](ctx context.Context, f *Fetcher, ep *endpoint, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := 0

	op := func() (T, error) {
		attempts++
		// An open breaker fails fast without queueing for a token.
		if ep.breaker.State() == gobreaker.StateOpen {
			return zero, backoff.Permanent(fmt.Errorf("%w: %s", transit.ErrCircuitOpen, ep.name))
		}
		if err := f.wait(ctx, ep); err != nil {
			return zero, backoff.Permanent(err)
		}

		v, err := ep.breaker.Execute(func() (any, error) {
			actx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
			defer cancel()
			v, err := fn(actx)
			if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !transit.IsTransient(err) {
				err = fmt.Errorf("%w: %s: %v", transit.ErrTimeout, ep.name, err)
			}
			return v, err
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return zero, backoff.Permanent(fmt.Errorf("%w: %s", transit.ErrCircuitOpen, ep.name))
		case err == nil:
			return v.(T), nil
		case ctx.Err() != nil:
			return zero, backoff.Permanent(ctx.Err())
		case !transit.IsTransient(err):
			return zero, backoff.Permanent(err)
		default:
			return zero, err
		}
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(f.opts.BackoffInitial),
		backoff.WithMaxInterval(f.opts.BackoffMax),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.opts.MaxAttempts-1)), ctx)

	notify := func(err error, next time.Duration) {
		f.logger.Warn("retrying upstream call",
			"endpoint", ep.name,
			"attempt", attempts,
			"next_in", next.Round(time.Millisecond),
			"error", err,
		)
	}

	v, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil && transit.IsTransient(err) {
		return zero, fmt.Errorf("%w: %s failed after %d attempts: %w", transit.ErrDegraded, ep.name, attempts, err)
	}
	return v, err
}

// wait blocks for a token at most MaxQueueWait. A zero bound takes a
// token only if one is available now.
func (f *Fetcher) wait(ctx context.Context, ep *endpoint) error {
	if f.opts.MaxQueueWait <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !ep.limiter.Allow() {
			return fmt.Errorf("%w: %s bucket empty", transit.ErrRateLimited, ep.name)
		}
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, f.opts.MaxQueueWait)
	defer cancel()
	if err := ep.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s queue wait exceeded %s", transit.ErrRateLimited, ep.name, f.opts.MaxQueueWait)
	}
	return nil
}
