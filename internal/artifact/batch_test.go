// internal/artifact/batch_test.go

package artifact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRunBatchAppliesEveryItem(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var mu sync.Mutex
	seen := map[int]bool{}

	res := RunBatch(context.Background(), items, 3, func(_ context.Context, n int) error {
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		return nil
	})

	if err := res.FirstErr(); err != nil {
		t.Fatalf("FirstErr: %v", err)
	}
	if len(seen) != len(items) {
		t.Fatalf("processed %d items, want %d", len(seen), len(items))
	}
}

func TestRunBatchKeepsErrorsAligned(t *testing.T) {
	items := []string{"ok", "bad", "ok", "bad"}
	res := RunBatch(context.Background(), items, 2, func(_ context.Context, s string) error {
		if s == "bad" {
			return fmt.Errorf("rejected %s", s)
		}
		return nil
	})

	for i, item := range items {
		gotErr := res.Errs[i] != nil
		if gotErr != (item == "bad") {
			t.Fatalf("item %d (%s): err = %v", i, item, res.Errs[i])
		}
	}
	if failed := res.Failed(); len(failed) != 2 {
		t.Fatalf("Failed() = %v", failed)
	}
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	var active, peak int32
	items := make([]int, 32)

	RunBatch(context.Background(), items, 4, func(_ context.Context, _ int) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		atomic.AddInt32(&active, -1)
		return nil
	})

	if p := atomic.LoadInt32(&peak); p > 4 {
		t.Fatalf("peak concurrency = %d, want <= 4", p)
	}
}

func TestRunBatchRecoversPanics(t *testing.T) {
	res := RunBatch(context.Background(), []int{1}, 1, func(_ context.Context, _ int) error {
		panic("boom")
	})
	if res.Errs[0] == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestRunBatchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := make([]int, 8)
	res := RunBatch(ctx, items, 2, func(context.Context, int) error { return nil })

	canceled := 0
	for _, err := range res.Errs {
		if errors.Is(err, context.Canceled) {
			canceled++
		}
	}
	if canceled == 0 {
		t.Fatal("expected cancellation errors for unstarted items")
	}
}

func TestRunBatchEmptyInput(t *testing.T) {
	res := RunBatch(context.Background(), nil, 4, func(context.Context, int) error {
		t.Fatal("fn should not run")
		return nil
	})
	if len(res.Errs) != 0 {
		t.Fatalf("Errs = %v", res.Errs)
	}
}
