package session

import (
	"context"
	"time"
)

// Store is the session binding store. Implementations must be linearizable
// per session id: concurrent Updates for the same id serialize, and no
// RequestCount increment is ever lost. Operations on different ids proceed
// independently — there is no global lock on the hot path.
type Store interface {
	// Get returns a copy of the binding, or ok=false when absent or expired.
	// An expired binding is deleted on read.
	Get(ctx context.Context, id string) (Binding, bool)

	// Put upserts the binding as given.
	Put(ctx context.Context, b Binding) error

	// Update applies fn to the current binding under the per-id lock and
	// stores the result. fn receives nil when no live binding exists and
	// returns the new state. The stored copy is returned.
	Update(ctx context.Context, id string, fn func(old *Binding) Binding) (Binding, error)

	// Delete removes the binding. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// Sweep deletes every binding whose age exceeds the TTL at instant now
	// and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) int

	// Len returns the number of bindings currently held, including any that
	// expired but have not been swept yet.
	Len() int

	// Healthy reports whether the durable backing (if any) is reachable.
	// In-process-only stores are always healthy.
	Healthy(ctx context.Context) bool

	Close() error
}
