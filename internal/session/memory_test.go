package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testBinding(id string) Binding {
	now := time.Now()
	return Binding{
		SessionID:      id,
		UseCase:        "agent",
		BackendKey:     "text",
		ModelID:        "test-model",
		Confidence:     0.9,
		ContextHash:    42,
		RequestCount:   1,
		CreatedAt:      now,
		LastAccessedAt: now,
		BypassEnabled:  true,
	}
}

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	if err := s.Put(ctx, testBinding("s1")); err != nil {
		t.Fatal(err)
	}

	b, ok := s.Get(ctx, "s1")
	if !ok {
		t.Fatal("binding not found after Put")
	}
	if b.UseCase != "agent" || b.BackendKey != "text" {
		t.Fatalf("unexpected binding %+v", b)
	}

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Fatal("found a binding that was never stored")
	}
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	b := testBinding("s1")
	b.LastAccessedAt = time.Now().Add(-time.Second)
	if err := s.Put(ctx, b); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get(ctx, "s1"); ok {
		t.Fatal("expired binding served")
	}
	// Lazy expiry removed the entry.
	if s.Len() != 0 {
		t.Fatalf("Len = %d after expiry read, want 0", s.Len())
	}
}

func TestMemoryStoreUpdateSeesNilForExpired(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	b := testBinding("s1")
	b.LastAccessedAt = time.Now().Add(-time.Second)
	_ = s.Put(ctx, b)

	var sawOld bool
	_, err := s.Update(ctx, "s1", func(old *Binding) Binding {
		sawOld = old != nil
		nb := testBinding("s1")
		return nb
	})
	if err != nil {
		t.Fatal(err)
	}
	if sawOld {
		t.Fatal("Update handed out an expired binding")
	}
}

func TestMemoryStoreUpdateNeverLosesIncrements(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()
	_ = s.Put(ctx, testBinding("s1"))

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, _ = s.Update(ctx, "s1", func(old *Binding) Binding {
					nb := *old
					nb.RequestCount++
					nb.LastAccessedAt = time.Now()
					return nb
				})
			}
		}()
	}
	wg.Wait()

	b, ok := s.Get(ctx, "s1")
	if !ok {
		t.Fatal("binding vanished")
	}
	want := int64(1 + workers*perWorker)
	if b.RequestCount != want {
		t.Fatalf("RequestCount = %d, want %d (lost increments)", b.RequestCount, want)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()

	fresh := testBinding("fresh")
	stale := testBinding("stale")
	stale.LastAccessedAt = time.Now().Add(-2 * time.Minute)
	_ = s.Put(ctx, fresh)
	_ = s.Put(ctx, stale)

	removed := s.Sweep(ctx, time.Now())
	if removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if _, ok := s.Get(ctx, "fresh"); !ok {
		t.Fatal("sweep removed a live binding")
	}
	if _, ok := s.Get(ctx, "stale"); ok {
		t.Fatal("sweep kept an expired binding")
	}
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()
	_ = s.Put(ctx, testBinding("s1"))

	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("second delete errored: %v", err)
	}
	if _, ok := s.Get(ctx, "s1"); ok {
		t.Fatal("binding survived delete")
	}
}
