package gateway

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/salilkadam/inference-router/internal/registry"
	"github.com/salilkadam/inference-router/internal/stats"
	"github.com/salilkadam/inference-router/internal/usecase"
	"github.com/salilkadam/inference-router/pkg/apierr"
)

// sessionView is the client-visible projection of a binding. The context
// hash stays internal.
type sessionView struct {
	SessionID      string    `json:"session_id"`
	UseCase        string    `json:"use_case"`
	BackendKey     string    `json:"backend_key"`
	ModelID        string    `json:"model_id"`
	Confidence     float64   `json:"confidence"`
	RequestCount   int64     `json:"request_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	BypassEnabled  bool      `json:"bypass_enabled"`
}

// handleGetSession serves GET /sessions/{id}.
func (g *Gateway) handleGetSession(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	b, ok := g.store.Get(ctx, id)
	if !ok {
		apierr.Write(ctx, apierr.New(apierr.KindSessionNotFound, "session %q not found", id))
		return
	}

	ctx.Response.Header.Set("X-Session-ID", b.SessionID)
	writeJSON(ctx, sessionView{
		SessionID:      b.SessionID,
		UseCase:        b.UseCase,
		BackendKey:     b.BackendKey,
		ModelID:        b.ModelID,
		Confidence:     b.Confidence,
		RequestCount:   b.RequestCount,
		CreatedAt:      b.CreatedAt,
		LastAccessedAt: b.LastAccessedAt,
		BypassEnabled:  b.BypassEnabled,
	})
}

// handleDeleteSession serves DELETE /sessions/{id}. Idempotent: deleting an
// absent session still succeeds.
func (g *Gateway) handleDeleteSession(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)

	if err := g.store.Delete(ctx, id); err != nil {
		apierr.Write(ctx, err)
		return
	}

	writeJSON(ctx, map[string]any{"success": true, "session_id": id})
}

// handleStats serves GET /stats.
func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, struct {
		stats.Snapshot
		ActiveSessions int `json:"active_sessions"`
	}{
		Snapshot:       g.stats.Snapshot(),
		ActiveSessions: g.store.Len(),
	})
}

// handleHealth serves GET /health. Overall status is the worst of the
// components: any unhealthy backend makes the whole service unhealthy, a
// degraded backend or a disconnected durable store makes it degraded.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	type backendHealth struct {
		Status        string `json:"status"`
		Endpoint      string `json:"endpoint"`
		LastLatencyMs int64  `json:"last_latency_ms"`
	}

	overall := registry.Healthy

	backends := make(map[string]backendHealth, len(g.reg.Keys()))
	for _, b := range g.reg.All() {
		h := b.Health()
		if h > overall {
			overall = h
		}
		backends[b.Key] = backendHealth{
			Status:        h.String(),
			Endpoint:      b.BaseURL,
			LastLatencyMs: b.LastLatency().Milliseconds(),
		}
	}

	storeStatus := "connected"
	if !g.store.Healthy(ctx) {
		storeStatus = "degraded"
		if overall == registry.Healthy {
			overall = registry.Degraded
		}
	}

	writeJSON(ctx, map[string]any{
		"status":        overall.String(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"session_store": storeStatus,
		"backends":      backends,
		"version":       g.version,
	})
}

// handleReadiness serves GET /readiness for orchestrators. Ready means at
// least one backend can take traffic.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	for _, b := range g.reg.All() {
		if b.Health() != registry.Unhealthy {
			writeJSON(ctx, map[string]string{"status": "ok"})
			return
		}
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// handleUseCases serves GET /use-cases.
func (g *Gateway) handleUseCases(ctx *fasthttp.RequestCtx) {
	type ucView struct {
		ID          string `json:"id"`
		Description string `json:"description"`
		Endpoint    string `json:"endpoint"`
		Model       string `json:"model"`
	}

	out := make([]ucView, 0, len(usecase.Catalog))
	for _, uc := range usecase.All() {
		info := usecase.Catalog[uc]
		endpoint := ""
		if b, ok := g.reg.Get(info.BackendKey); ok {
			endpoint = b.BaseURL
		}
		out = append(out, ucView{
			ID:          string(uc),
			Description: info.Description,
			Endpoint:    endpoint,
			Model:       info.ModelID,
		})
	}

	writeJSON(ctx, map[string]any{"use_cases": out})
}

// handleCleanup serves POST /cleanup: forces an immediate session sweep.
func (g *Gateway) handleCleanup(ctx *fasthttp.RequestCtx) {
	removed := g.store.Sweep(ctx, time.Now())
	if g.metrics != nil {
		g.metrics.AddSessionsSwept(removed)
		g.metrics.SetActiveSessions(g.store.Len())
	}
	writeJSON(ctx, map[string]any{"success": true, "removed_count": removed})
}
