package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically evicts expired bindings from a Store.
type Sweeper struct {
	store    Store
	interval time.Duration
	log      *slog.Logger
	onSweep  func(removed int)

	baseCtx context.Context
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewSweeper starts the background sweep loop immediately. onSweep (optional)
// is invoked after each pass with the number of bindings removed.
func NewSweeper(ctx context.Context, store Store, interval time.Duration, log *slog.Logger, onSweep func(int)) *Sweeper {
	if ctx == nil {
		panic("sweeper: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}

	sw := &Sweeper{
		store:    store,
		interval: interval,
		log:      log,
		onSweep:  onSweep,
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}

	sw.wg.Add(1)
	go sw.run()
	return sw
}

// Close stops the sweep loop. Safe to call multiple times.
func (sw *Sweeper) Close() {
	sw.once.Do(func() { close(sw.done) })
	sw.wg.Wait()
}

func (sw *Sweeper) run() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := sw.store.Sweep(sw.baseCtx, time.Now())
			if removed > 0 {
				sw.log.Debug("sessions_swept", slog.Int("removed", removed))
			}
			if sw.onSweep != nil {
				sw.onSweep(removed)
			}
		case <-sw.baseCtx.Done():
			return
		case <-sw.done:
			return
		}
	}
}
