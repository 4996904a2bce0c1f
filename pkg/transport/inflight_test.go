package transport

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestInFlightRegistryCancelSession(t *testing.T) {
	r := NewInFlightRegistry()

	var cancelled atomic.Int64
	r.Register("ses_a", func() { cancelled.Add(1) })
	r.Register("ses_a", func() { cancelled.Add(1) })
	r.Register("ses_b", func() { cancelled.Add(1) })

	if n := r.Cancel("ses_a"); n != 2 {
		t.Errorf("Cancel(ses_a) = %d, want 2", n)
	}
	if cancelled.Load() != 2 {
		t.Errorf("cancelled = %d, want 2", cancelled.Load())
	}
	if n := r.Cancel("ses_a"); n != 0 {
		t.Errorf("second Cancel(ses_a) = %d, want 0", n)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestInFlightRegistryCancelAll(t *testing.T) {
	r := NewInFlightRegistry()

	var cancelled atomic.Int64
	r.Register("ses_a", func() { cancelled.Add(1) })
	r.Register("ses_b", func() { cancelled.Add(1) })
	r.Register("ses_b", func() { cancelled.Add(1) })

	if n := r.CancelAll(); n != 3 {
		t.Errorf("CancelAll() = %d, want 3", n)
	}
	if cancelled.Load() != 3 {
		t.Errorf("cancelled = %d, want 3", cancelled.Load())
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestInFlightRegistryRemove(t *testing.T) {
	r := NewInFlightRegistry()

	cancelled := false
	remove := r.Register("ses_a", func() { cancelled = true })
	remove()

	if n := r.Cancel("ses_a"); n != 0 {
		t.Errorf("Cancel after remove = %d, want 0", n)
	}
	if cancelled {
		t.Error("cancel function should not have been called by remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestInFlightRegistryConcurrentAccess(t *testing.T) {
	r := NewInFlightRegistry()
	var cancelCount atomic.Int64
	const numEntries = 100

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removes []func()
	)
	for i := 0; i < numEntries; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			remove := r.Register(id, func() { cancelCount.Add(1) })
			mu.Lock()
			removes = append(removes, remove)
			mu.Unlock()
		}(idForIndex(i % 10))
	}
	wg.Wait()

	if r.Len() != numEntries {
		t.Fatalf("Len() = %d, want %d", r.Len(), numEntries)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Cancel(id)
		}(idForIndex(i))
	}
	wg.Wait()

	if cancelCount.Load() != numEntries/2 {
		t.Errorf("expected %d cancellations, got %d", numEntries/2, cancelCount.Load())
	}

	// Removing already-cancelled streams is a no-op.
	for _, remove := range removes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remove()
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func idForIndex(i int) string {
	return "ses_" + string(rune('A'+i))
}
