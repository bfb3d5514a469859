package router

import (
	"context"
	"testing"
	"time"

	"github.com/salilkadam/inference-router/internal/registry"
	"github.com/salilkadam/inference-router/internal/session"
	"github.com/salilkadam/inference-router/internal/usecase"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Spec{
		{Key: "text", BaseURL: "http://t:8000/v1", ModelID: "m-text"},
		{Key: "speech", BaseURL: "http://s:8001/v1", ModelID: "m-speech", FallbackKey: "text"},
		{Key: "voice", BaseURL: "http://v:8002/v1", ModelID: "m-voice", FallbackKey: "text"},
		{Key: "vision", BaseURL: "http://i:8003/v1", ModelID: "m-vision", FallbackKey: "text"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestRouter(t *testing.T, ttl time.Duration) (*Router, session.Store, *registry.Registry) {
	t.Helper()
	store := session.NewMemoryStore(ttl)
	reg := testRegistry(t)
	return New(store, reg, nil), store, reg
}

func TestRouteCreatesSession(t *testing.T) {
	r, store, _ := newTestRouter(t, time.Minute)

	out, err := r.Route(context.Background(), Request{
		Query:    "write a function that sorts numbers",
		Modality: usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}

	if out.SessionID == "" {
		t.Fatal("no session id minted")
	}
	if !out.NewSession || out.BypassUsed {
		t.Fatalf("flags = new:%v bypass:%v, want new:true bypass:false", out.NewSession, out.BypassUsed)
	}
	if out.UseCase != usecase.Agent {
		t.Fatalf("use case = %s, want agent", out.UseCase)
	}

	b, ok := store.Get(context.Background(), out.SessionID)
	if !ok {
		t.Fatal("binding not persisted")
	}
	if b.RequestCount != 1 || !b.BypassEnabled {
		t.Fatalf("binding = %+v", b)
	}
}

func TestRouteBypassOnRepeat(t *testing.T) {
	r, store, _ := newTestRouter(t, time.Minute)
	ctx := context.Background()
	req := Request{Query: "write a function that sorts numbers", Modality: usecase.ModalityText}

	first, err := r.Route(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	req.SessionID = first.SessionID
	second, err := r.Route(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if !second.BypassUsed {
		t.Fatal("repeat request did not bypass")
	}
	if second.NewSession {
		t.Fatal("repeat request flagged as new session")
	}
	if second.UseCase != first.UseCase || second.ModelID != first.ModelID {
		t.Fatalf("bypass changed the decision: %+v vs %+v", second, first)
	}

	b, _ := store.Get(ctx, first.SessionID)
	if b.RequestCount != 2 {
		t.Fatalf("RequestCount = %d, want 2", b.RequestCount)
	}
}

func TestRouteWarmFollowUpBypasses(t *testing.T) {
	r, store, _ := newTestRouter(t, time.Minute)
	ctx := context.Background()

	first, err := r.Route(ctx, Request{
		Query:    "Write a Python function to sort a list",
		Modality: usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.UseCase != usecase.Agent {
		t.Fatalf("use case = %s, want agent", first.UseCase)
	}

	// A follow-up turn shares no tokens with the opening query. Affinity
	// must hold anyway: nothing about it points at another use case.
	second, err := r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "Now add error handling",
		Modality:  usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !second.BypassUsed {
		t.Fatal("warm follow-up did not bypass")
	}
	if second.ContextChanged {
		t.Fatal("follow-up counted as a context change")
	}
	if second.UseCase != usecase.Agent || second.ModelID != first.ModelID {
		t.Fatalf("follow-up changed the decision: %+v vs %+v", second, first)
	}

	b, _ := store.Get(ctx, first.SessionID)
	if b.RequestCount != 2 {
		t.Fatalf("RequestCount = %d, want 2", b.RequestCount)
	}
}

func TestRouteFollowUpAfterSwitchKeepsUseCase(t *testing.T) {
	r, _, _ := newTestRouter(t, time.Minute)
	ctx := context.Background()

	first, err := r.Route(ctx, Request{
		Query:    "Write a Python function to sort a list",
		Modality: usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "Transcribe this audio clip",
		Modality:  usecase.ModalityAudio,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.UseCase != usecase.STT || !second.ContextChanged {
		t.Fatalf("switch: use_case=%s changed=%v", second.UseCase, second.ContextChanged)
	}

	// A signal-free follow-up must stick with the freshly bound use case,
	// not drift back to the agent default.
	third, err := r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "what language was that?",
		Modality:  usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !third.BypassUsed {
		t.Fatal("signal-free follow-up did not bypass")
	}
	if third.UseCase != usecase.STT {
		t.Fatalf("use case = %s, want stt", third.UseCase)
	}
}

func TestRouteResolveFailureStillCountsRequest(t *testing.T) {
	r, store, reg := newTestRouter(t, time.Minute)
	ctx := context.Background()

	first, err := r.Route(ctx, Request{
		Query:    "write a function that sorts numbers",
		Modality: usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}

	text, _ := reg.Get("text")
	text.SetHealth(registry.Unhealthy)

	_, err = r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "write more code please",
		Modality:  usecase.ModalityText,
	})
	if err == nil {
		t.Fatal("expected NoHealthyBackend")
	}

	b, ok := store.Get(ctx, first.SessionID)
	if !ok {
		t.Fatal("binding lost on a failed request")
	}
	if b.RequestCount != 2 {
		t.Fatalf("RequestCount = %d, want 2 (failed requests still count)", b.RequestCount)
	}
}

func TestRouteContextChangeReclassifies(t *testing.T) {
	r, _, _ := newTestRouter(t, time.Minute)
	ctx := context.Background()

	first, err := r.Route(ctx, Request{
		Query:    "write a function that sorts numbers",
		Modality: usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "now transcribe this audio recording",
		Modality:  usecase.ModalityAudio,
	})
	if err != nil {
		t.Fatal(err)
	}

	if second.BypassUsed {
		t.Fatal("modality switch bypassed classification")
	}
	if !second.ContextChanged {
		t.Fatal("ContextChanged not flagged")
	}
	if second.NewSession {
		t.Fatal("existing session flagged as new")
	}
	if second.UseCase != usecase.STT {
		t.Fatalf("use case = %s, want stt", second.UseCase)
	}

	// The binding now carries the new hash: a repeat bypasses again.
	third, err := r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "now transcribe this audio recording",
		Modality:  usecase.ModalityAudio,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !third.BypassUsed || third.UseCase != usecase.STT {
		t.Fatalf("post-switch repeat: bypass=%v use_case=%s", third.BypassUsed, third.UseCase)
	}
}

func TestRouteUnhealthyBackendBlocksBypass(t *testing.T) {
	r, _, reg := newTestRouter(t, time.Minute)
	ctx := context.Background()

	first, err := r.Route(ctx, Request{
		Query:    "transcribe this audio recording",
		Modality: usecase.ModalityAudio,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Backend.Key != "speech" {
		t.Fatalf("primary = %s, want speech", first.Backend.Key)
	}

	speech, _ := reg.Get("speech")
	speech.SetHealth(registry.Unhealthy)

	second, err := r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "transcribe this audio recording",
		Modality:  usecase.ModalityAudio,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.BypassUsed {
		t.Fatal("bypassed to an unhealthy backend")
	}
	if second.Backend.Key != "text" {
		t.Fatalf("resolved %s, want the text fallback", second.Backend.Key)
	}
}

func TestRouteNoHealthyBackend(t *testing.T) {
	r, _, reg := newTestRouter(t, time.Minute)
	ctx := context.Background()

	speech, _ := reg.Get("speech")
	speech.SetHealth(registry.Unhealthy)
	text, _ := reg.Get("text")
	text.SetHealth(registry.Unhealthy)

	_, err := r.Route(ctx, Request{
		Query:    "transcribe this audio recording",
		Modality: usecase.ModalityAudio,
	})
	if err == nil {
		t.Fatal("expected NoHealthyBackend")
	}
}

func TestRouteBypassDisabledTakesFullPath(t *testing.T) {
	r, store, _ := newTestRouter(t, time.Minute)
	ctx := context.Background()

	first, err := r.Route(ctx, Request{
		Query:    "write a function that sorts numbers",
		Modality: usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Update(ctx, first.SessionID, func(old *session.Binding) session.Binding {
		nb := *old
		nb.BypassEnabled = false
		return nb
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "write a function that sorts numbers",
		Modality:  usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.BypassUsed {
		t.Fatal("bypassed although the binding disabled it")
	}
}

func TestRouteExpiredSessionReusesSuppliedID(t *testing.T) {
	r, store, _ := newTestRouter(t, time.Minute)
	ctx := context.Background()

	first, err := r.Route(ctx, Request{
		Query:    "write a function that sorts numbers",
		Modality: usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Age the binding past the TTL, then force expiry by sweeping.
	_, _ = store.Update(ctx, first.SessionID, func(old *session.Binding) session.Binding {
		nb := *old
		nb.LastAccessedAt = time.Now().Add(-2 * time.Minute)
		return nb
	})
	store.Sweep(ctx, time.Now())

	second, err := r.Route(ctx, Request{
		SessionID: first.SessionID,
		Query:     "write a function that sorts numbers",
		Modality:  usecase.ModalityText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("supplied id %s not reused, got %s", first.SessionID, second.SessionID)
	}
	if !second.NewSession {
		t.Fatal("recreated binding not flagged as a new session")
	}
}
