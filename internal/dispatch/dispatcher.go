package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/salilkadam/inference-router/internal/metrics"
	"github.com/salilkadam/inference-router/internal/registry"
)

const (
	defaultMaxRetries     = 2
	defaultDeadline       = 30 * time.Second
	defaultConcurrencyCap = 64

	// backoffBase is the first retry delay; each subsequent retry doubles it.
	backoffBase = 100 * time.Millisecond
)

// ErrOverloaded is returned when a backend's concurrency cap is reached.
// The dispatcher fails fast instead of queueing — callers should back off.
var ErrOverloaded = errors.New("dispatch: backend concurrency cap reached")

// Options tunes a Dispatcher. Zero values use the defaults above.
type Options struct {
	// MaxRetries is the number of retries after the first attempt against
	// the primary backend (connect errors and 5xx only).
	MaxRetries int

	// Deadline bounds the total dispatch time, retries and fallback
	// included.
	Deadline time.Duration

	// ConcurrencyCap limits in-flight requests per backend.
	ConcurrencyCap int64

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Dispatcher forwards prepared requests to backends, applying retry with
// exponential backoff, a single health-gated fallback hop, and a fail-fast
// per-backend concurrency cap. It never dispatches the same request to a
// backend more than once per attempt: at-most-once per attempt, bounded
// attempts overall.
type Dispatcher struct {
	reg     *registry.Registry
	clients map[string]*client
	sems    map[string]*semaphore.Weighted

	maxRetries int
	deadline   time.Duration
	log        *slog.Logger
	metrics    *metrics.Registry
}

// New builds a Dispatcher with one client and one semaphore per backend.
func New(reg *registry.Registry, opts Options) *Dispatcher {
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	cap := opts.ConcurrencyCap
	if cap <= 0 {
		cap = defaultConcurrencyCap
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	clients := make(map[string]*client)
	sems := make(map[string]*semaphore.Weighted)
	for _, b := range reg.All() {
		clients[b.Key] = newClient(b)
		sems[b.Key] = semaphore.NewWeighted(cap)
	}

	return &Dispatcher{
		reg:        reg,
		clients:    clients,
		sems:       sems,
		maxRetries: maxRetries,
		deadline:   deadline,
		log:        log,
		metrics:    opts.Metrics,
	}
}

// Dispatch sends payload to b, retrying transient failures and attempting
// the configured fallback once when the primary's budget is exhausted.
// modelID overrides the backend default when non-empty.
func (d *Dispatcher) Dispatch(ctx context.Context, b *registry.Backend, modelID string, p Payload) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	res, err := d.tryBackend(ctx, b, modelID, p)
	if err == nil {
		return res, nil
	}

	// Cancelled or past the deadline — no point trying the fallback.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Overload backpressures the caller; shifting the load to the fallback
	// would just move the hot spot.
	if errors.Is(err, ErrOverloaded) {
		return nil, err
	}

	// 4xx is the caller's fault; no backend will answer differently.
	var be *BackendError
	if errors.As(err, &be) && !be.Retryable() {
		return nil, err
	}

	fb := d.reg.Fallback(b)
	if fb == nil || fb.Health() == registry.Unhealthy {
		return nil, err
	}

	d.log.Info("dispatch_fallback",
		slog.String("from", b.Key),
		slog.String("to", fb.Key),
		slog.String("reason", err.Error()),
	)
	if d.metrics != nil {
		d.metrics.RecordFallback(b.Key, fb.Key)
	}

	// One fallback hop, one attempt — no chaining.
	res, fbErr := d.attempt(ctx, fb, fb.ModelID, p)
	if fbErr != nil {
		return nil, err // surface the primary's error
	}
	return res, nil
}

// tryBackend runs the retry loop against a single backend.
func (d *Dispatcher) tryBackend(ctx context.Context, b *registry.Backend, modelID string, p Payload) (*Result, error) {
	if modelID == "" {
		modelID = b.ModelID
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, err := d.attempt(ctx, b, modelID, p)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !retryable(err) {
			break
		}
	}

	return nil, lastErr
}

// attempt performs exactly one call against b, holding a concurrency slot
// for its duration.
func (d *Dispatcher) attempt(ctx context.Context, b *registry.Backend, modelID string, p Payload) (*Result, error) {
	sem := d.sems[b.Key]
	if !sem.TryAcquire(1) {
		if d.metrics != nil {
			d.metrics.ObserveDispatchAttempt(b.Key, "overloaded", 0)
		}
		return nil, ErrOverloaded
	}

	c := d.clients[b.Key]
	start := time.Now()

	var res *Result
	var err error
	if p.Stream && b.Supports("sse") {
		res, err = c.stream(ctx, modelID, p)
		// The slot is released when the stream drains, not here.
		if err == nil {
			res = d.releaseOnDrain(sem, res)
		} else {
			sem.Release(1)
		}
	} else {
		p := p
		p.Stream = false
		res, err = c.complete(ctx, modelID, p)
		sem.Release(1)
	}

	dur := time.Since(start)
	if d.metrics != nil {
		d.metrics.ObserveDispatchAttempt(b.Key, outcome(err), dur)
	}

	if err != nil {
		d.log.Warn("dispatch_attempt_failed",
			slog.String("backend", b.Key),
			slog.String("model", modelID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", dur),
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}

	return res, nil
}

// releaseOnDrain interposes on the stream channel so the concurrency slot is
// held until the backend finishes producing. Chunk order is preserved.
func (d *Dispatcher) releaseOnDrain(sem *semaphore.Weighted, res *Result) *Result {
	src := res.Stream
	out := make(chan StreamChunk, 64)

	go func() {
		defer sem.Release(1)
		defer close(out)
		for chunk := range src {
			out <- chunk
		}
	}()

	wrapped := *res
	wrapped.Stream = out
	return &wrapped
}

// retryable reports whether another attempt against the same backend can
// help: connect-level errors and upstream 5xx yes, upstream 4xx no,
// exhausted deadlines no.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrOverloaded) {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return true // transport error — conservative retry
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	default:
		var be *BackendError
		if errors.As(err, &be) {
			if be.Status >= 500 {
				return "upstream_5xx"
			}
			return "upstream_4xx"
		}
		return "connect_error"
	}
}
