package join

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fired(t *Tracker) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

func TestFiresAfterNoMoreWork(t *testing.T) {
	tr := New()
	for i := 0; i < 3; i++ {
		tr.Start()
	}
	for i := 0; i < 3; i++ {
		if err := tr.Complete(); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if fired(tr) {
		t.Fatal("fired before NoMoreWork")
	}

	tr.NoMoreWork()
	if !fired(tr) {
		t.Fatal("did not fire after NoMoreWork")
	}
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// A fourth completion is a caller bug and must not produce a second signal.
	if err := tr.Complete(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if !errors.Is(tr.Err(), ErrInvalidState) {
		t.Fatalf("Err() = %v, want ErrInvalidState", tr.Err())
	}
}

func TestFiresOnLastComplete(t *testing.T) {
	tr := New()
	tr.Start()
	tr.Start()
	tr.NoMoreWork()

	tr.Complete()
	if fired(tr) {
		t.Fatal("fired with work pending")
	}
	tr.Complete()
	if !fired(tr) {
		t.Fatal("did not fire on last Complete")
	}
}

func TestNoWorkAtAll(t *testing.T) {
	tr := New()
	tr.NoMoreWork()
	if !fired(tr) {
		t.Fatal("expected immediate fire with no work")
	}
}

func TestNegativeBeforeFire(t *testing.T) {
	tr := New()
	if err := tr.Complete(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := tr.Wait(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Wait = %v, want ErrInvalidState", err)
	}
}

func TestConcurrentUse(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		tr.Start()
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			tr.Complete()
		}()
	}
	tr.NoMoreWork()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	wg.Wait()
	if tr.Pending() != 0 {
		t.Fatalf("pending = %d", tr.Pending())
	}
}

func TestWaitContextCancelled(t *testing.T) {
	tr := New()
	tr.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
}
