package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/salilkadam/inference-router/internal/registry"
)

// fakeBackend is an OpenAI-style chat completions server with a controllable
// failure budget and delay.
type fakeBackend struct {
	srv *httptest.Server

	reply     string
	failFirst atomic.Int32 // respond 500 to this many requests
	status    int          // failure status, default 500
	delay     time.Duration

	hits atomic.Int32

	mu       sync.Mutex
	lastBody []byte
}

func (fb *fakeBackend) body() []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.lastBody
}

func newFakeBackend(t *testing.T, reply string) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{reply: reply, status: http.StatusInternalServerError}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fb.hits.Add(1)
		raw, _ := io.ReadAll(r.Body)
		fb.mu.Lock()
		fb.lastBody = raw
		fb.mu.Unlock()
		if fb.delay > 0 {
			time.Sleep(fb.delay)
		}
		if fb.failFirst.Add(-1) >= 0 {
			w.WriteHeader(fb.status)
			_, _ = w.Write([]byte(`{"error":{"message":"injected failure"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": fb.reply},
					"finish_reason": "stop",
				},
			},
		})
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

// testRegistry builds a registry whose speech backend points at primary and
// whose text backend (the fallback) points at fallback.
func testRegistry(t *testing.T, primary, fallback *fakeBackend) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Spec{
		{Key: "text", BaseURL: fallback.srv.URL + "/v1", ModelID: "fb-model", TimeoutMs: 5000, SupportedFormats: []string{"json"}},
		{Key: "speech", BaseURL: primary.srv.URL + "/v1", ModelID: "test-model", FallbackKey: "text", TimeoutMs: 5000, SupportedFormats: []string{"json"}},
		{Key: "voice", BaseURL: fallback.srv.URL + "/v1", ModelID: "fb-model", TimeoutMs: 5000},
		{Key: "vision", BaseURL: fallback.srv.URL + "/v1", ModelID: "fb-model", TimeoutMs: 5000},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestDispatchSuccess(t *testing.T) {
	primary := newFakeBackend(t, "transcribed text")
	fallback := newFakeBackend(t, "fallback reply")
	reg := testRegistry(t, primary, fallback)
	d := New(reg, Options{})

	b, _ := reg.Get("speech")
	res, err := d.Dispatch(context.Background(), b, "", Payload{Query: "transcribe this"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "transcribed text" {
		t.Fatalf("Content = %q", res.Content)
	}
	if primary.hits.Load() != 1 {
		t.Fatalf("primary hit %d times, want 1", primary.hits.Load())
	}
}

func TestDispatchSendsZeroTemperature(t *testing.T) {
	primary := newFakeBackend(t, "ok")
	fallback := newFakeBackend(t, "unused")
	reg := testRegistry(t, primary, fallback)
	d := New(reg, Options{})

	b, _ := reg.Get("speech")
	if _, err := d.Dispatch(context.Background(), b, "", Payload{Query: "q", MaxTokens: 10, Temperature: 0}); err != nil {
		t.Fatal(err)
	}

	var sent map[string]any
	if err := json.Unmarshal(primary.body(), &sent); err != nil {
		t.Fatal(err)
	}
	temp, ok := sent["temperature"]
	if !ok {
		t.Fatal("temperature omitted from the backend request")
	}
	if temp != float64(0) {
		t.Fatalf("temperature = %v, want 0", temp)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	primary := newFakeBackend(t, "ok after retry")
	primary.failFirst.Store(2)
	fallback := newFakeBackend(t, "fallback reply")
	reg := testRegistry(t, primary, fallback)
	d := New(reg, Options{MaxRetries: 2})

	b, _ := reg.Get("speech")
	res, err := d.Dispatch(context.Background(), b, "", Payload{Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "ok after retry" {
		t.Fatalf("Content = %q", res.Content)
	}
	if primary.hits.Load() != 3 {
		t.Fatalf("primary hit %d times, want 3 (1 + 2 retries)", primary.hits.Load())
	}
	if fallback.hits.Load() != 0 {
		t.Fatal("fallback used although the primary recovered")
	}
}

func TestDispatchNoRetryOn4xx(t *testing.T) {
	primary := newFakeBackend(t, "unused")
	primary.failFirst.Store(100)
	primary.status = http.StatusUnprocessableEntity
	fallback := newFakeBackend(t, "unused")
	reg := testRegistry(t, primary, fallback)
	d := New(reg, Options{MaxRetries: 2})

	b, _ := reg.Get("speech")
	_, err := d.Dispatch(context.Background(), b, "", Payload{Query: "q"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("error type = %T, want *BackendError", err)
	}
	if be.Status != http.StatusUnprocessableEntity {
		t.Fatalf("Status = %d", be.Status)
	}
	if primary.hits.Load() != 1 {
		t.Fatalf("primary hit %d times, want 1 (4xx must not retry)", primary.hits.Load())
	}
	if fallback.hits.Load() != 0 {
		t.Fatal("fallback tried for a client fault")
	}
}

func TestDispatchFallsBackAfterRetryBudget(t *testing.T) {
	primary := newFakeBackend(t, "unused")
	primary.failFirst.Store(100)
	fallback := newFakeBackend(t, "fallback reply")
	reg := testRegistry(t, primary, fallback)
	d := New(reg, Options{MaxRetries: 1})

	b, _ := reg.Get("speech")
	res, err := d.Dispatch(context.Background(), b, "", Payload{Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "fallback reply" {
		t.Fatalf("Content = %q, want the fallback's reply", res.Content)
	}
	if primary.hits.Load() != 2 {
		t.Fatalf("primary hit %d times, want 2", primary.hits.Load())
	}
	if fallback.hits.Load() != 1 {
		t.Fatalf("fallback hit %d times, want 1", fallback.hits.Load())
	}
}

func TestDispatchSkipsUnhealthyFallback(t *testing.T) {
	primary := newFakeBackend(t, "unused")
	primary.failFirst.Store(100)
	fallback := newFakeBackend(t, "unused")
	reg := testRegistry(t, primary, fallback)
	d := New(reg, Options{MaxRetries: 0})

	fb, _ := reg.Get("text")
	fb.SetHealth(registry.Unhealthy)

	b, _ := reg.Get("speech")
	_, err := d.Dispatch(context.Background(), b, "", Payload{Query: "q"})
	if err == nil {
		t.Fatal("expected the primary's error")
	}
	if fallback.hits.Load() != 0 {
		t.Fatal("dispatched to an unhealthy fallback")
	}
}

func TestDispatchOverloaded(t *testing.T) {
	primary := newFakeBackend(t, "slow reply")
	primary.delay = 300 * time.Millisecond
	fallback := newFakeBackend(t, "unused")
	reg := testRegistry(t, primary, fallback)
	d := New(reg, Options{ConcurrencyCap: 1, MaxRetries: 0})

	b, _ := reg.Get("speech")

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := d.Dispatch(context.Background(), b, "", Payload{Query: "slow"})
		done <- err
	}()

	<-started
	time.Sleep(50 * time.Millisecond) // let the slow request take the slot

	_, err := d.Dispatch(context.Background(), b, "", Payload{Query: "fast"})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("slot holder failed: %v", err)
	}
}

func TestDispatchDeadline(t *testing.T) {
	primary := newFakeBackend(t, "too slow")
	primary.delay = 500 * time.Millisecond
	fallback := newFakeBackend(t, "unused")
	fallback.delay = 500 * time.Millisecond
	reg := testRegistry(t, primary, fallback)
	d := New(reg, Options{Deadline: 100 * time.Millisecond, MaxRetries: 0})

	b, _ := reg.Get("speech")
	_, err := d.Dispatch(context.Background(), b, "", Payload{Query: "q"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
