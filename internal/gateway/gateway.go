// Package gateway is the HTTP surface of the inference router.
//
// The Gateway receives a natural-language request on /route, hands it to the
// bypass router for a backend decision, forwards the prepared payload through
// the dispatcher, and returns the backend's content under a uniform JSON
// envelope. Session, stats, health and maintenance endpoints live alongside.
//
// Key design constraints:
//   - The routing decision itself must stay cheap (no network I/O on the
//     bypass path), so everything slow happens after the decision.
//   - A failed request never deletes or corrupts its session binding.
//   - Timing fields in the envelope are float seconds.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/salilkadam/inference-router/internal/dispatch"
	"github.com/salilkadam/inference-router/internal/logger"
	"github.com/salilkadam/inference-router/internal/metrics"
	"github.com/salilkadam/inference-router/internal/registry"
	"github.com/salilkadam/inference-router/internal/router"
	"github.com/salilkadam/inference-router/internal/session"
	"github.com/salilkadam/inference-router/internal/stats"
	"github.com/salilkadam/inference-router/internal/usecase"
	"github.com/salilkadam/inference-router/pkg/apierr"
)

const (
	maxBodyBytes      = 1 << 20 // 1 MiB
	maxQueryBytes     = 64 << 10
	maxContextEntries = 64
	maxMaxTokens      = 4096

	defaultMaxTokens   = 100
	defaultTemperature = 0.7
)

// Options holds the Gateway's injected dependencies and tuning.
type Options struct {
	Router     *router.Router
	Dispatcher *dispatch.Dispatcher
	Store      session.Store
	Registry   *registry.Registry

	Stats     *stats.Collector
	Metrics   *metrics.Registry
	ReqLogger *logger.Logger
	Logger    *slog.Logger

	// RequestDeadline bounds one /route request end to end.
	RequestDeadline time.Duration

	CORSOrigins []string
	Version     string
}

// Gateway owns the HTTP handlers. All dependencies are injected via New so
// tests can assemble a gateway around fakes.
type Gateway struct {
	router *router.Router
	disp   *dispatch.Dispatcher
	store  session.Store
	reg    *registry.Registry

	stats     *stats.Collector
	metrics   *metrics.Registry
	reqLogger *logger.Logger
	log       *slog.Logger

	deadline    time.Duration
	corsOrigins []string
	version     string
}

func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	deadline := opts.RequestDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		router:      opts.Router,
		disp:        opts.Dispatcher,
		store:       opts.Store,
		reg:         opts.Registry,
		stats:       opts.Stats,
		metrics:     opts.Metrics,
		reqLogger:   opts.ReqLogger,
		log:         log,
		deadline:    deadline,
		corsOrigins: opts.CORSOrigins,
		version:     version,
	}
}

type (
	// routeRequest mirrors the /route body. Pointer fields distinguish
	// "absent" from zero values so range checks and defaults apply cleanly.
	routeRequest struct {
		Query       *string           `json:"query"`
		SessionID   string            `json:"session_id"`
		UserID      string            `json:"user_id"`
		Modality    string            `json:"modality"`
		Context     map[string]string `json:"context"`
		MaxTokens   *int              `json:"max_tokens"`
		Temperature *float64          `json:"temperature"`
		Stream      bool              `json:"stream"`
	}

	routeResponse struct {
		Success       bool    `json:"success"`
		Result        string  `json:"result"`
		UseCase       string  `json:"use_case"`
		SelectedModel string  `json:"selected_model"`
		Endpoint      string  `json:"endpoint"`
		Confidence    float64 `json:"confidence"`
		RoutingTime   float64 `json:"routing_time"`
		BypassUsed    bool    `json:"bypass_used"`
		SessionID     string  `json:"session_id"`
		NewSession    bool    `json:"new_session"`
		InferenceTime float64 `json:"inference_time"`
		TotalTime     float64 `json:"total_time"`
	}

	routeFailure struct {
		Success      bool    `json:"success"`
		ErrorMessage string  `json:"error_message"`
		ErrorKind    string  `json:"error_kind"`
		UseCase      string  `json:"use_case,omitempty"`
		SessionID    string  `json:"session_id,omitempty"`
		BypassUsed   bool    `json:"bypass_used"`
		RoutingTime  float64 `json:"routing_time"`
		TotalTime    float64 `json:"total_time"`
	}
)

// parseRouteRequest validates the body and applies defaults. All failures
// are ValidationError.
func parseRouteRequest(body []byte) (*routeRequest, usecase.Modality, error) {
	if len(body) > maxBodyBytes {
		return nil, "", apierr.New(apierr.KindValidation, "request body exceeds %d bytes", maxBodyBytes)
	}

	var req routeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", apierr.New(apierr.KindValidation, "invalid JSON: %s", err.Error())
	}

	if req.Query == nil {
		return nil, "", apierr.New(apierr.KindValidation, "field 'query' is required")
	}
	if len(*req.Query) > maxQueryBytes {
		return nil, "", apierr.New(apierr.KindValidation, "field 'query' exceeds %d bytes", maxQueryBytes)
	}

	mod, ok := usecase.ParseModality(req.Modality)
	if !ok {
		return nil, "", apierr.New(apierr.KindValidation,
			"field 'modality' must be one of: text, image, audio, video")
	}

	if len(req.Context) > maxContextEntries {
		return nil, "", apierr.New(apierr.KindValidation,
			"field 'context' exceeds %d entries", maxContextEntries)
	}

	if req.MaxTokens == nil {
		mt := defaultMaxTokens
		req.MaxTokens = &mt
	} else if *req.MaxTokens < 1 || *req.MaxTokens > maxMaxTokens {
		return nil, "", apierr.New(apierr.KindValidation,
			"field 'max_tokens' must be in 1..%d", maxMaxTokens)
	}

	if req.Temperature == nil {
		t := defaultTemperature
		req.Temperature = &t
	} else if *req.Temperature < 0 || *req.Temperature > 2 {
		return nil, "", apierr.New(apierr.KindValidation,
			"field 'temperature' must be in 0.0..2.0")
	}

	return &req, mod, nil
}

// handleRoute is the core handler for POST /route.
func (g *Gateway) handleRoute(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("route", ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	req, mod, err := parseRouteRequest(ctx.PostBody())
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordError(string(apierr.KindOf(err)))
		}
		apierr.Write(ctx, err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	// 1. Routing decision.
	routeStart := time.Now()
	routed, err := g.router.Route(reqCtx, router.Request{
		SessionID: req.SessionID,
		Query:     *req.Query,
		Modality:  mod,
		Context:   req.Context,
	})
	routingTime := time.Since(routeStart)

	if err != nil {
		g.failRoute(ctx, err, routed, routingTime, start, reqID)
		return
	}

	pathLabel := "full"
	if routed.BypassUsed {
		pathLabel = "bypass"
	}
	if g.metrics != nil {
		g.metrics.ObserveRoute(string(routed.UseCase), pathLabel, routingTime)
	}
	ctx.Response.Header.Set("X-Session-ID", routed.SessionID)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("session_id", routed.SessionID),
		slog.String("use_case", string(routed.UseCase)),
		slog.String("backend", routed.Backend.Key),
		slog.Bool("bypass_used", routed.BypassUsed),
		slog.Bool("stream", req.Stream),
	)

	// 2. Dispatch to the chosen backend.
	infStart := time.Now()
	res, err := g.disp.Dispatch(reqCtx, routed.Backend, routed.ModelID, dispatch.Payload{
		Query:       *req.Query,
		MaxTokens:   *req.MaxTokens,
		Temperature: *req.Temperature,
		Stream:      req.Stream,
	})
	inferenceTime := time.Since(infStart)

	if err != nil {
		g.failRoute(ctx, err, routed, routingTime, start, reqID)
		return
	}

	// 3a. Streaming — SSE pass-through.
	if req.Stream && res.Stream != nil {
		streaming = true
		g.writeSSE(ctx, routed, res, func() {
			total := time.Since(start)
			g.observe(routed, routingTime, total-routingTime, total, fasthttp.StatusOK, reqID)
			if g.metrics != nil {
				g.metrics.ObserveHTTP("route", fasthttp.StatusOK, total)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	// 3b. Non-streaming envelope.
	total := time.Since(start)
	out := routeResponse{
		Success:       true,
		Result:        res.Content,
		UseCase:       string(routed.UseCase),
		SelectedModel: routed.ModelID,
		Endpoint:      routed.Backend.BaseURL,
		Confidence:    routed.Confidence,
		RoutingTime:   routingTime.Seconds(),
		BypassUsed:    routed.BypassUsed,
		SessionID:     routed.SessionID,
		NewSession:    routed.NewSession,
		InferenceTime: inferenceTime.Seconds(),
		TotalTime:     total.Seconds(),
	}

	g.observe(routed, routingTime, inferenceTime, total, fasthttp.StatusOK, reqID)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("session_id", routed.SessionID),
		slog.String("model", routed.ModelID),
		slog.Duration("elapsed", total),
	)

	writeJSON(ctx, out)
}

// failRoute writes the failure envelope and records stats for a request that
// made it past validation. routed may be nil when routing itself failed.
func (g *Gateway) failRoute(ctx *fasthttp.RequestCtx, err error, routed *router.Routed, routingTime time.Duration, start time.Time, reqID string) {
	kind := classify(err)
	total := time.Since(start)

	fail := routeFailure{
		ErrorMessage: errorMessage(err, kind),
		ErrorKind:    string(kind),
		RoutingTime:  routingTime.Seconds(),
		TotalTime:    total.Seconds(),
	}
	if routed != nil {
		fail.UseCase = string(routed.UseCase)
		fail.SessionID = routed.SessionID
		fail.BypassUsed = routed.BypassUsed
		ctx.Response.Header.Set("X-Session-ID", routed.SessionID)
	}
	g.observe(routed, routingTime, 0, total, apierr.Status(kind), reqID)

	if g.metrics != nil {
		g.metrics.RecordError(string(kind))
	}

	g.log.ErrorContext(ctx, "route_failed",
		slog.String("request_id", reqID),
		slog.String("error_kind", string(kind)),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", total),
	)

	ctx.SetStatusCode(apierr.Status(kind))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(fail)
	ctx.SetBody(body)
}

// observe feeds the stats collector and the async request log. Called once
// per post-validation request, success or failure; routed is nil when routing
// itself failed. Never blocks.
func (g *Gateway) observe(routed *router.Routed, routingTime, inferenceTime, total time.Duration, status int, reqID string) {
	sample := stats.Sample{
		RoutingTime:   routingTime,
		InferenceTime: inferenceTime,
		TotalTime:     total,
	}
	if routed != nil {
		sample.BypassUsed = routed.BypassUsed
		sample.NewSession = routed.NewSession
		sample.ContextChanged = routed.ContextChanged
	}
	if g.stats != nil {
		g.stats.Observe(sample)
	}
	if g.metrics != nil {
		g.metrics.SetActiveSessions(g.store.Len())
	}

	if g.reqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(reqID)
	rl := logger.RouteLog{
		ID:          reqUUID,
		Status:      uint16(status),
		RoutingMs:   float64(routingTime.Microseconds()) / 1000,
		InferenceMs: float64(inferenceTime.Microseconds()) / 1000,
		TotalMs:     float64(total.Microseconds()) / 1000,
		CreatedAt:   time.Now(),
	}
	if routed != nil {
		rl.SessionID = routed.SessionID
		rl.UseCase = string(routed.UseCase)
		rl.Backend = routed.Backend.Key
		rl.Model = routed.ModelID
		rl.Confidence = routed.Confidence
		rl.BypassUsed = routed.BypassUsed
		rl.NewSession = routed.NewSession
	}
	g.reqLogger.Log(rl)
}

// classify maps any error to its client-visible kind.
func classify(err error) apierr.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.KindTimeout
	case errors.Is(err, dispatch.ErrOverloaded):
		return apierr.KindOverloaded
	}

	var nhb *registry.ErrNoHealthyBackend
	if errors.As(err, &nhb) {
		return apierr.KindNoHealthyBackend
	}

	var be *dispatch.BackendError
	if errors.As(err, &be) {
		return apierr.KindBackendError
	}

	var ae *apierr.E
	if errors.As(err, &ae) {
		return ae.Kind
	}

	return apierr.KindInternal
}

// errorMessage is the client-visible message for err. Internal errors are
// masked; everything else carries its own message.
func errorMessage(err error, kind apierr.Kind) string {
	if kind == apierr.KindInternal {
		return "internal error"
	}
	return err.Error()
}

// writeSSE streams backend chunks as Server-Sent Events. onComplete fires
// once the stream drains, enabling stats and async logging for streams.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, routed *router.Routed, res *dispatch.Result, onComplete func()) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Session-ID", routed.SessionID)
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		for chunk := range res.Stream {
			delta := map[string]any{
				"session_id": routed.SessionID,
				"use_case":   string(routed.UseCase),
				"content":    chunk.Content,
				"finish_reason": func() any {
					if chunk.FinishReason != "" {
						return chunk.FinishReason
					}
					return nil
				}(),
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			onComplete()
		}
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
