// Package router makes the per-request bypass-or-classify decision.
//
// The fast path reuses a cached session binding as long as the conversation
// has not confidently shifted to another use case and the bound backend can
// take traffic. Everything else falls through to the full path: classify,
// resolve a backend, write the binding back. Both paths go through
// Store.Update so concurrent requests on the same session never lose a
// request-count increment.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/salilkadam/inference-router/internal/contexthash"
	"github.com/salilkadam/inference-router/internal/registry"
	"github.com/salilkadam/inference-router/internal/session"
	"github.com/salilkadam/inference-router/internal/usecase"
)

// Request is the normalized routing input, already validated by the gateway.
type Request struct {
	SessionID string
	Query     string
	Modality  usecase.Modality
	Context   map[string]string
}

// Routed is the routing decision for one request.
type Routed struct {
	SessionID  string
	UseCase    usecase.UseCase
	Backend    *registry.Backend
	ModelID    string
	Confidence float64

	// BypassUsed is true when the cached binding served without
	// re-classification.
	BypassUsed bool

	// NewSession is true when no live binding existed for the session id.
	NewSession bool

	// ContextChanged is true when a live binding existed and the request
	// confidently re-classified to a different use case.
	ContextChanged bool

	Classification usecase.Classification
}

// Router decides between the bypass fast path and full classification.
type Router struct {
	store session.Store
	reg   *registry.Registry
	log   *slog.Logger
}

func New(store session.Store, reg *registry.Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{store: store, reg: reg, log: log}
}

// Route resolves req to a backend.
//
// Decision order: try the bypass path when a session id is supplied; on any
// miss (no binding, bypass disabled, confident use-case shift, backend
// unhealthy) run the classifier, resolve the backend with health-gated
// fallback, and upsert the binding. The binding's context hash is rewritten
// only on the full path.
func (r *Router) Route(ctx context.Context, req Request) (*Routed, error) {
	hash := contexthash.Hash(req.Query, req.Modality, req.Context)

	var pre *usecase.Classification
	if req.SessionID != "" {
		out, cls, ok := r.tryBypass(ctx, req, hash)
		if ok {
			return out, nil
		}
		pre = cls
	}

	return r.fullRoute(ctx, req, hash, pre)
}

// tryBypass attempts the fast path. A hash mismatch alone does not break
// affinity: follow-up turns rarely share tokens with the turn that bound the
// session, so the binding is dropped only when the classifier confidently
// picks a different use case. The classification computed for that check is
// handed back so the full path never classifies twice.
func (r *Router) tryBypass(ctx context.Context, req Request, hash uint64) (*Routed, *usecase.Classification, bool) {
	b, found := r.store.Get(ctx, req.SessionID)
	if !found {
		return nil, nil, false
	}
	if !b.BypassEnabled {
		return nil, nil, false
	}

	var cls *usecase.Classification
	if b.ContextHash != hash {
		c := usecase.Classify(req.Query, req.Modality, req.Context)
		cls = &c
		if !c.Defaulted && string(c.UseCase) != b.UseCase {
			return nil, cls, false
		}
	}

	backend, ok := r.reg.Get(b.BackendKey)
	if !ok || backend.Health() == registry.Unhealthy {
		return nil, cls, false
	}

	now := time.Now()
	updated, err := r.store.Update(ctx, req.SessionID, func(old *session.Binding) session.Binding {
		if old == nil {
			// Binding expired between Get and Update. Recreate it from
			// what we just read; the decision is still the cached one.
			nb := b
			nb.CreatedAt = now
			nb.RequestCount = 0
			old = &nb
		}
		nb := *old
		nb.RequestCount++
		nb.LastAccessedAt = now
		return nb
	})
	if err != nil {
		r.log.Warn("bypass_binding_update_failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		return nil, cls, false
	}

	return &Routed{
		SessionID:  updated.SessionID,
		UseCase:    usecase.UseCase(updated.UseCase),
		Backend:    backend,
		ModelID:    updated.ModelID,
		Confidence: updated.Confidence,
		BypassUsed: true,
	}, nil, true
}

func (r *Router) fullRoute(ctx context.Context, req Request, hash uint64, pre *usecase.Classification) (*Routed, error) {
	var cls usecase.Classification
	if pre != nil {
		cls = *pre
	} else {
		cls = usecase.Classify(req.Query, req.Modality, req.Context)
	}

	backend, err := r.reg.ResolveForUseCase(cls.UseCase)
	if err != nil {
		r.recordFailedAttempt(ctx, req.SessionID)
		return nil, err
	}

	modelID := usecase.Catalog[cls.UseCase].ModelID

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	now := time.Now()
	var newSession, contextChanged bool

	_, err = r.store.Update(ctx, sessionID, func(old *session.Binding) session.Binding {
		if old == nil {
			newSession = true
			return session.Binding{
				SessionID:      sessionID,
				UseCase:        string(cls.UseCase),
				BackendKey:     backend.Key,
				ModelID:        modelID,
				Confidence:     cls.Confidence,
				ContextHash:    hash,
				RequestCount:   1,
				CreatedAt:      now,
				LastAccessedAt: now,
				BypassEnabled:  true,
			}
		}

		if !cls.Defaulted && old.UseCase != string(cls.UseCase) {
			contextChanged = true
		}

		nb := *old
		nb.UseCase = string(cls.UseCase)
		nb.BackendKey = backend.Key
		nb.ModelID = modelID
		nb.Confidence = cls.Confidence
		nb.ContextHash = hash
		nb.RequestCount++
		nb.LastAccessedAt = now
		return nb
	})
	if err != nil {
		return nil, err
	}

	if contextChanged {
		r.log.Info("session_context_changed",
			slog.String("session_id", sessionID),
			slog.String("use_case", string(cls.UseCase)),
		)
	}

	return &Routed{
		SessionID:      sessionID,
		UseCase:        cls.UseCase,
		Backend:        backend,
		ModelID:        modelID,
		Confidence:     cls.Confidence,
		NewSession:     newSession,
		ContextChanged: contextChanged,
		Classification: cls,
	}, nil
}

// recordFailedAttempt bumps an existing binding's request count when routing
// fails after the request was accepted, keeping the count one-per-request
// regardless of downstream outcome. Failed requests never create bindings.
func (r *Router) recordFailedAttempt(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	cur, found := r.store.Get(ctx, sessionID)
	if !found {
		return
	}

	now := time.Now()
	_, err := r.store.Update(ctx, sessionID, func(old *session.Binding) session.Binding {
		if old == nil {
			old = &cur
		}
		nb := *old
		nb.RequestCount++
		nb.LastAccessedAt = now
		return nb
	})
	if err != nil {
		r.log.Warn("binding_update_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
