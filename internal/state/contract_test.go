package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock shared by a store under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// storeFactory builds a fresh, empty store driven by clock.
type storeFactory func(t *testing.T, clock *fakeClock) Store

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	key := Key{Phone: "549111", TenantID: "acme"}

	t.Run("LoadOrCreateDefaults", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		conv, err := s.LoadOrCreate(ctx, key)
		if err != nil {
			t.Fatalf("LoadOrCreate: %v", err)
		}
		if conv.Phone != key.Phone || conv.TenantID != key.TenantID {
			t.Errorf("key = %s/%s", conv.Phone, conv.TenantID)
		}
		if conv.ActiveFlow != "" || conv.CurrentStep != "" {
			t.Errorf("active = %q/%q, want idle", conv.ActiveFlow, conv.CurrentStep)
		}
		if len(conv.WorkingData) != 0 || len(conv.PendingFlows) != 0 {
			t.Errorf("data/pending = %v/%v, want empty", conv.WorkingData, conv.PendingFlows)
		}
		if conv.Priority != "normal" {
			t.Errorf("Priority = %q, want normal", conv.Priority)
		}
		if conv.Paused {
			t.Error("Paused = true, want false")
		}
		if !conv.LastInteractionAt.Equal(clock.Now()) {
			t.Errorf("LastInteractionAt = %v, want %v", conv.LastInteractionAt, clock.Now())
		}
	})

	t.Run("LoadOrCreateTwiceIsIdempotent", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		first, err := s.LoadOrCreate(ctx, key)
		if err != nil {
			t.Fatalf("first LoadOrCreate: %v", err)
		}
		second, err := s.LoadOrCreate(ctx, key)
		if err != nil {
			t.Fatalf("second LoadOrCreate: %v", err)
		}
		if first.Version != second.Version ||
			first.ActiveFlow != second.ActiveFlow ||
			first.Priority != second.Priority ||
			!first.LastInteractionAt.Equal(second.LastInteractionAt) ||
			len(first.WorkingData) != len(second.WorkingData) ||
			len(first.PendingFlows) != len(second.PendingFlows) {
			t.Errorf("records differ:\n first=%+v\nsecond=%+v", first, second)
		}
	})

	t.Run("ConcurrentLoadOrCreateSingleRecord", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.LoadOrCreate(ctx, key); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("LoadOrCreate: %v", err)
		}

		// A single record: one save at version 0 succeeds, a second one
		// holding the same version is stale.
		a, _ := s.Get(ctx, key)
		b, _ := s.Get(ctx, key)
		a.ActiveFlow = "menu_principal"
		if err := s.Save(ctx, a); err != nil {
			t.Fatalf("Save a: %v", err)
		}
		b.ActiveFlow = "encuesta"
		if err := s.Save(ctx, b); !errors.Is(err, ErrStaleState) {
			t.Errorf("Save b err = %v, want ErrStaleState", err)
		}
	})

	t.Run("SaveRoundTrip", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		conv, err := s.LoadOrCreate(ctx, key)
		if err != nil {
			t.Fatalf("LoadOrCreate: %v", err)
		}
		pausedAt := clock.Now()
		conv.ActiveFlow = "menu_principal"
		conv.CurrentStep = "esperando_opcion"
		conv.Started = true
		conv.WorkingData = map[string]interface{}{"fecha": "2026-10-20", "intentos": float64(2)}
		conv.SetPending([]string{"confirmacion_turnos", "encuesta"})
		conv.Priority = "urgent"
		conv.Paused = true
		conv.PausedBy = "operadora-1"
		conv.PausedAt = &pausedAt
		conv.LastInteractionAt = clock.Now().Add(time.Minute)

		before := conv.Version
		if err := s.Save(ctx, conv); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if conv.Version != before+1 {
			t.Errorf("Version = %d, want %d", conv.Version, before+1)
		}

		got, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil {
			t.Fatal("Get returned nil after Save")
		}
		if got.ActiveFlow != "menu_principal" || got.CurrentStep != "esperando_opcion" || !got.Started {
			t.Errorf("active = %q/%q started=%v", got.ActiveFlow, got.CurrentStep, got.Started)
		}
		if got.WorkingData["fecha"] != "2026-10-20" || got.WorkingData["intentos"] != float64(2) {
			t.Errorf("WorkingData = %v", got.WorkingData)
		}
		pending := got.Pending()
		if len(pending) != 2 || pending[0] != "confirmacion_turnos" || pending[1] != "encuesta" {
			t.Errorf("PendingFlows = %v", pending)
		}
		if got.Priority != "urgent" {
			t.Errorf("Priority = %q, want urgent", got.Priority)
		}
		if !got.Paused || got.PausedBy != "operadora-1" || got.PausedAt == nil {
			t.Errorf("pause = %v/%q/%v", got.Paused, got.PausedBy, got.PausedAt)
		}
		if got.Version != conv.Version {
			t.Errorf("stored Version = %d, want %d", got.Version, conv.Version)
		}
	})

	t.Run("SaveAfterDeleteIsStale", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		conv, err := s.LoadOrCreate(ctx, key)
		if err != nil {
			t.Fatalf("LoadOrCreate: %v", err)
		}
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Save(ctx, conv); !errors.Is(err, ErrStaleState) {
			t.Errorf("Save err = %v, want ErrStaleState", err)
		}
	})

	t.Run("GetDoesNotCreate", func(t *testing.T) {
		s := newStore(t, newFakeClock())

		got, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != nil {
			t.Fatalf("Get = %+v, want nil", got)
		}
		got, err = s.Get(ctx, key)
		if err != nil || got != nil {
			t.Errorf("second Get = %+v, %v; want nil, nil", got, err)
		}
	})

	t.Run("DeleteAbsentIsNoop", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		if err := s.Delete(ctx, key); err != nil {
			t.Errorf("Delete absent: %v", err)
		}
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		if _, err := s.LoadOrCreate(ctx, Key{TenantID: "acme"}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("LoadOrCreate err = %v, want ErrInvalidKey", err)
		}
		if _, err := s.Get(ctx, Key{Phone: "1"}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Get err = %v, want ErrInvalidKey", err)
		}
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		now := clock.Now()

		old := Key{Phone: "111", TenantID: "acme"}
		recent := Key{Phone: "222", TenantID: "acme"}

		clock.Set(now.Add(-25 * time.Hour))
		if _, err := s.LoadOrCreate(ctx, old); err != nil {
			t.Fatalf("LoadOrCreate old: %v", err)
		}
		clock.Set(now.Add(-1 * time.Hour))
		if _, err := s.LoadOrCreate(ctx, recent); err != nil {
			t.Fatalf("LoadOrCreate recent: %v", err)
		}
		clock.Set(now)

		n, err := s.DeleteExpired(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("DeleteExpired: %v", err)
		}
		if n != 1 {
			t.Errorf("removed = %d, want 1", n)
		}
		if got, _ := s.Get(ctx, old); got != nil {
			t.Error("25h-old record should be removed")
		}
		if got, _ := s.Get(ctx, recent); got == nil {
			t.Error("1h-old record should survive")
		}
	})

	t.Run("DeleteExpiredUsesLatestInteraction", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		now := clock.Now()

		clock.Set(now.Add(-30 * time.Hour))
		conv, err := s.LoadOrCreate(ctx, key)
		if err != nil {
			t.Fatalf("LoadOrCreate: %v", err)
		}
		clock.Set(now)
		conv.LastInteractionAt = now.Add(-2 * time.Hour)
		if err := s.Save(ctx, conv); err != nil {
			t.Fatalf("Save: %v", err)
		}

		n, err := s.DeleteExpired(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("DeleteExpired: %v", err)
		}
		if n != 0 {
			t.Errorf("removed = %d, want 0", n)
		}
	})

	t.Run("ExpiredListsOnlyStaleKeys", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		now := clock.Now()

		old := Key{Phone: "111", TenantID: "acme:sur"}
		clock.Set(now.Add(-25 * time.Hour))
		if _, err := s.LoadOrCreate(ctx, old); err != nil {
			t.Fatalf("LoadOrCreate old: %v", err)
		}
		clock.Set(now.Add(-1 * time.Hour))
		if _, err := s.LoadOrCreate(ctx, key); err != nil {
			t.Fatalf("LoadOrCreate recent: %v", err)
		}
		clock.Set(now)

		keys, err := s.Expired(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("Expired: %v", err)
		}
		if len(keys) != 1 || keys[0] != old {
			t.Errorf("Expired = %v, want [%v]", keys, old)
		}
	})

	t.Run("DeleteIfExpiredKeepsTouchedRecord", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		now := clock.Now()

		clock.Set(now.Add(-25 * time.Hour))
		conv, err := s.LoadOrCreate(ctx, key)
		if err != nil {
			t.Fatalf("LoadOrCreate: %v", err)
		}
		clock.Set(now)
		keys, err := s.Expired(ctx, 24*time.Hour)
		if err != nil || len(keys) != 1 {
			t.Fatalf("Expired = %v, %v", keys, err)
		}

		// A message lands between listing and deleting.
		conv.LastInteractionAt = now
		conv.CurrentStep = "esperando_opcion"
		if err := s.Save(ctx, conv); err != nil {
			t.Fatalf("Save: %v", err)
		}

		removed, err := s.DeleteIfExpired(ctx, key, 24*time.Hour)
		if err != nil {
			t.Fatalf("DeleteIfExpired: %v", err)
		}
		if removed {
			t.Error("touched record was removed")
		}
		got, err := s.Get(ctx, key)
		if err != nil || got == nil || got.CurrentStep != "esperando_opcion" {
			t.Errorf("Get = %+v, %v", got, err)
		}

		clock.Set(now.Add(25 * time.Hour))
		if removed, err := s.DeleteIfExpired(ctx, key, 24*time.Hour); err != nil || !removed {
			t.Errorf("DeleteIfExpired after 25h = %v, %v, want true", removed, err)
		}
		if removed, err := s.DeleteIfExpired(ctx, key, 24*time.Hour); err != nil || removed {
			t.Errorf("DeleteIfExpired on absent key = %v, %v, want false", removed, err)
		}
	})

	t.Run("SweepExpiredRunsInsideGuard", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		now := clock.Now()

		clock.Set(now.Add(-30 * time.Hour))
		for _, phone := range []string{"111", "222"} {
			if _, err := s.LoadOrCreate(ctx, Key{Phone: phone, TenantID: "acme"}); err != nil {
				t.Fatalf("LoadOrCreate %s: %v", phone, err)
			}
		}
		clock.Set(now)

		var guarded []Key
		n, err := SweepExpired(ctx, s, 24*time.Hour, func(k Key, fn func() error) error {
			guarded = append(guarded, k)
			return fn()
		})
		if err != nil {
			t.Fatalf("SweepExpired: %v", err)
		}
		if n != 2 || len(guarded) != 2 {
			t.Errorf("removed = %d, guarded = %v, want 2 each", n, guarded)
		}
	})
}
