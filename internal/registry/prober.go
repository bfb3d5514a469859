package registry

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second

	// unhealthyAfter is how many consecutive failed probes demote a
	// degraded backend to unhealthy.
	unhealthyAfter = 3
)

// ProbeObserver is notified after every probe round, once per backend.
// Used to export health state to metrics without coupling the prober to the
// metrics registry.
type ProbeObserver func(key string, state HealthState, latency time.Duration)

// Prober drives the health state machine for every backend in the registry:
//
//	healthy   → degraded   on one failed probe
//	degraded  → unhealthy  after three consecutive failed probes
//	any       → healthy    on one successful probe
//
// It is the single writer of each backend's health word; the hot path reads
// it atomically and tolerates up to one probe interval of staleness.
type Prober struct {
	reg      *Registry
	client   *http.Client
	interval time.Duration
	log      *slog.Logger
	observer ProbeObserver

	baseCtx context.Context
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// ProberOptions tunes a Prober. Zero values use the defaults above.
type ProberOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Observer ProbeObserver
	Logger   *slog.Logger
}

// NewProber runs one synchronous probe round so health is never unknown at
// startup, then continues in the background until ctx is cancelled or Close
// is called.
func NewProber(ctx context.Context, reg *Registry, opts ProberOptions) *Prober {
	if ctx == nil {
		panic("prober: context must not be nil")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Prober{
		reg:      reg,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		log:      log,
		observer: opts.Observer,
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}

	p.probeAll()

	p.wg.Add(1)
	go p.run()
	return p
}

// Close stops the probe loop. Safe to call multiple times.
func (p *Prober) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.baseCtx.Done():
			return
		case <-p.done:
			return
		}
	}
}

func (p *Prober) probeAll() {
	var wg sync.WaitGroup
	for _, b := range p.reg.All() {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeOne(b)
		}()
	}
	wg.Wait()
}

func (p *Prober) probeOne(b *Backend) {
	start := time.Now()
	err := p.probe(b)
	latency := time.Since(start)

	prev := b.Health()

	if err == nil {
		b.consecutiveFails = 0
		b.lastLatencyMs.Store(latency.Milliseconds())
		b.SetHealth(Healthy)
	} else {
		b.consecutiveFails++
		switch {
		case b.consecutiveFails >= unhealthyAfter:
			b.SetHealth(Unhealthy)
		default:
			b.SetHealth(Degraded)
		}
	}

	if cur := b.Health(); cur != prev {
		p.log.Info("backend_health_changed",
			slog.String("backend", b.Key),
			slog.String("from", prev.String()),
			slog.String("to", cur.String()),
			slog.Int("consecutive_fails", b.consecutiveFails),
		)
	}

	if p.observer != nil {
		p.observer(b.Key, b.Health(), latency)
	}
}

func (p *Prober) probe(b *Backend) error {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(b), nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &probeStatusError{status: resp.StatusCode}
	}
	return nil
}

type probeStatusError struct{ status int }

func (e *probeStatusError) Error() string {
	return http.StatusText(e.status)
}

// probeURL joins the backend host with its health path. The API base URL
// usually carries a "/v1" suffix that the health endpoint does not.
func probeURL(b *Backend) string {
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return strings.TrimSuffix(b.BaseURL, "/") + b.HealthPath
	}
	u.Path = b.HealthPath
	u.RawQuery = ""
	return u.String()
}
