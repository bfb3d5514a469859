// Package logger implements a non-blocking, batched request logger.
//
// Routing records are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks the routing hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs. An optional sink (ClickHouse) receives each
// flushed batch for offline analysis of routing quality.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RouteLog is one completed /route request.
type RouteLog struct {
	ID          uuid.UUID
	SessionID   string
	UseCase     string
	Backend     string
	Model       string
	Confidence  float64
	BypassUsed  bool
	NewSession  bool
	Status      uint16
	RoutingMs   float64
	InferenceMs float64
	TotalMs     float64
	CreatedAt   time.Time
}

// Sink receives flushed batches. Implementations must not retain the slice.
type Sink interface {
	WriteBatch(ctx context.Context, batch []RouteLog) error
	Close() error
}

type Logger struct {
	ch        chan RouteLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    Sink
}

// New starts the flush goroutine. sink may be nil.
func New(ctx context.Context, slogger *slog.Logger, sink Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RouteLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RouteLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RouteLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "route",
				slog.String("id", e.ID.String()),
				slog.String("session_id", e.SessionID),
				slog.String("use_case", e.UseCase),
				slog.String("backend", e.Backend),
				slog.String("model", e.Model),
				slog.Float64("confidence", e.Confidence),
				slog.Bool("bypass_used", e.BypassUsed),
				slog.Bool("new_session", e.NewSession),
				slog.Uint64("status", uint64(e.Status)),
				slog.Float64("routing_ms", e.RoutingMs),
				slog.Float64("inference_ms", e.InferenceMs),
				slog.Float64("total_ms", e.TotalMs),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		if l.sink != nil {
			if err := l.sink.WriteBatch(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "route_log_sink_write_failed",
					slog.Int("batch_size", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
