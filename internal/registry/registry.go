// Package registry holds the table of inference backends and their health.
//
// The backend set is fixed at startup — there is no hot-add. Only the health
// word and the probe latency mutate at runtime, written by the single prober
// goroutine and read lock-free on the hot path.
package registry

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/salilkadam/inference-router/internal/usecase"
)

// HealthState is the prober-maintained state of one backend.
type HealthState int32

const (
	Healthy HealthState = iota
	Degraded
	Unhealthy
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// Backend is one pre-loaded inference endpoint. Configuration fields are
// immutable after startup; health and lastLatencyMs are written only by the
// prober and read atomically by the hot path.
type Backend struct {
	// Key is the registry key, referenced by session bindings.
	Key string

	// BaseURL is the OpenAI-style API root, e.g. "http://10.0.0.5:8000/v1".
	BaseURL string

	// ModelID is the default model requested from this backend.
	ModelID string

	// FallbackKey names the backend tried when this one is unhealthy.
	// Empty means no fallback.
	FallbackKey string

	// HealthPath is the probe path on the backend host. Default "/health".
	HealthPath string

	// Timeout bounds a single request to this backend.
	Timeout time.Duration

	// APIKey is sent as a bearer token. Internal deployments usually leave
	// it empty.
	APIKey string

	formats map[string]bool

	health        atomic.Int32
	lastLatencyMs atomic.Int64

	// consecutiveFails is touched only by the prober goroutine.
	consecutiveFails int
}

// Health returns the current health state without blocking the prober.
func (b *Backend) Health() HealthState {
	return HealthState(b.health.Load())
}

// SetHealth overwrites the health state. Exposed for the prober and tests.
func (b *Backend) SetHealth(h HealthState) {
	b.health.Store(int32(h))
}

// LastLatency returns the duration of the most recent successful probe.
func (b *Backend) LastLatency() time.Duration {
	return time.Duration(b.lastLatencyMs.Load()) * time.Millisecond
}

// Supports reports whether the backend advertises the given response format
// (e.g. "sse" for streaming).
func (b *Backend) Supports(format string) bool {
	return b.formats[format]
}

// Spec is the startup configuration for one backend.
type Spec struct {
	Key              string        `json:"key"`
	BaseURL          string        `json:"base_url"`
	ModelID          string        `json:"model_id"`
	FallbackKey      string        `json:"fallback"`
	HealthPath       string        `json:"health_path"`
	Timeout          time.Duration `json:"-"`
	TimeoutMs        int           `json:"timeout_ms"`
	APIKey           string        `json:"api_key"`
	SupportedFormats []string      `json:"supported_formats"`
}

// Registry is the immutable backend table. Reads need no lock.
type Registry struct {
	backends map[string]*Backend
}

// New builds a Registry from specs. Every fallback reference and every use
// case's default backend key must resolve; dangling references are a startup
// error, never a runtime surprise.
func New(specs []Spec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("registry: at least one backend is required")
	}

	backends := make(map[string]*Backend, len(specs))
	for _, sp := range specs {
		if sp.Key == "" {
			return nil, fmt.Errorf("registry: backend key must not be empty")
		}
		if sp.BaseURL == "" {
			return nil, fmt.Errorf("registry: backend %q: base_url is required", sp.Key)
		}
		if _, dup := backends[sp.Key]; dup {
			return nil, fmt.Errorf("registry: duplicate backend key %q", sp.Key)
		}

		timeout := sp.Timeout
		if timeout <= 0 {
			timeout = time.Duration(sp.TimeoutMs) * time.Millisecond
		}
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		healthPath := sp.HealthPath
		if healthPath == "" {
			healthPath = "/health"
		}

		formats := make(map[string]bool, len(sp.SupportedFormats))
		for _, f := range sp.SupportedFormats {
			formats[f] = true
		}

		b := &Backend{
			Key:         sp.Key,
			BaseURL:     sp.BaseURL,
			ModelID:     sp.ModelID,
			FallbackKey: sp.FallbackKey,
			HealthPath:  healthPath,
			Timeout:     timeout,
			APIKey:      sp.APIKey,
			formats:     formats,
		}
		b.SetHealth(Healthy)
		backends[sp.Key] = b
	}

	for _, b := range backends {
		if b.FallbackKey != "" {
			if _, ok := backends[b.FallbackKey]; !ok {
				return nil, fmt.Errorf("registry: backend %q: fallback %q does not exist", b.Key, b.FallbackKey)
			}
		}
	}

	r := &Registry{backends: backends}

	for _, uc := range usecase.All() {
		key := usecase.Catalog[uc].BackendKey
		if _, ok := backends[key]; !ok {
			return nil, fmt.Errorf("registry: use case %q needs backend %q, which is not configured", uc, key)
		}
	}

	return r, nil
}

// Get returns the backend for key.
func (r *Registry) Get(key string) (*Backend, bool) {
	b, ok := r.backends[key]
	return b, ok
}

// Keys returns all backend keys in lexicographic order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.backends))
	for k := range r.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns every backend, ordered by key.
func (r *Registry) All() []*Backend {
	out := make([]*Backend, 0, len(r.backends))
	for _, k := range r.Keys() {
		out = append(out, r.backends[k])
	}
	return out
}

// ErrNoHealthyBackend is returned when neither the primary backend for a use
// case nor its configured fallback can take traffic.
type ErrNoHealthyBackend struct {
	UseCase usecase.UseCase
}

func (e *ErrNoHealthyBackend) Error() string {
	return fmt.Sprintf("no healthy backend for use case %q", e.UseCase)
}

// ResolveForUseCase returns the backend that should serve uc right now:
// the primary when it is not unhealthy, otherwise its fallback. Degraded
// backends still take traffic — only unhealthy ones are skipped.
func (r *Registry) ResolveForUseCase(uc usecase.UseCase) (*Backend, error) {
	primary, ok := r.backends[usecase.Catalog[uc].BackendKey]
	if !ok {
		return nil, &ErrNoHealthyBackend{UseCase: uc}
	}

	if primary.Health() != Unhealthy {
		return primary, nil
	}

	if primary.FallbackKey != "" {
		if fb, ok := r.backends[primary.FallbackKey]; ok && fb.Health() != Unhealthy {
			return fb, nil
		}
	}

	return nil, &ErrNoHealthyBackend{UseCase: uc}
}

// Fallback returns the configured fallback for b, or nil.
func (r *Registry) Fallback(b *Backend) *Backend {
	if b.FallbackKey == "" {
		return nil
	}
	return r.backends[b.FallbackKey]
}
