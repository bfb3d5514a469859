// Package session stores the per-conversation routing decision.
//
// A Binding associates a session id with the use case and backend chosen for
// it, plus the context hash that gates bypass. Two backends are available:
//   - MemoryStore — sharded in-process map, zero external dependencies.
//   - RedisStore  — MemoryStore with write-through to Redis so bindings
//     survive a process restart. Degrades to in-process-only when Redis is
//     unreachable.
//
// Both enforce the session TTL twice: lazily on read and eagerly via Sweep.
package session

import "time"

// Binding is the cached routing decision for one conversation.
//
// Invariants maintained by the stores and the router:
//   - BackendKey resolves in the backend registry (checked at write time).
//   - RequestCount never decreases for the life of a binding.
//   - LastAccessedAt >= CreatedAt.
//   - A binding older than the TTL is never observable to new requests.
type Binding struct {
	SessionID      string    `json:"session_id"`
	UseCase        string    `json:"use_case"`
	BackendKey     string    `json:"backend_key"`
	ModelID        string    `json:"model_id"`
	Confidence     float64   `json:"confidence"`
	ContextHash    uint64    `json:"context_hash"`
	RequestCount   int64     `json:"request_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	BypassEnabled  bool      `json:"bypass_enabled"`
}

// Expired reports whether the binding is past the TTL at instant now.
func (b *Binding) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(b.LastAccessedAt) > ttl
}
