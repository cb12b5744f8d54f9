// internal/artifact/batch.go
//
// Bounded fan-out over a slice of work items. Results keep input order so
// callers can zip them back against their inputs.

package artifact

import (
	"context"
	"fmt"
	"sync"
)

// DefaultBatchWorkers bounds concurrency when the caller passes zero.
const DefaultBatchWorkers = 4

// BatchResult pairs the inputs with their per-item errors, index-aligned.
type BatchResult[T any] struct {
	Items []T
	Errs  []error
}

// Completed returns the items whose work succeeded.
func (r BatchResult[T]) Completed() []T {
	var out []T
	for i, err := range r.Errs {
		if err == nil {
			out = append(out, r.Items[i])
		}
	}
	return out
}

// Failed returns the items whose work returned an error.
func (r BatchResult[T]) Failed() []T {
	var out []T
	for i, err := range r.Errs {
		if err != nil {
			out = append(out, r.Items[i])
		}
	}
	return out
}

// FirstErr returns the first non-nil error in input order, or nil.
func (r BatchResult[T]) FirstErr() error {
	for _, err := range r.Errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// RunBatch applies fn to every item using at most workers goroutines. A
// panicking fn is captured as that item's error. Cancellation fails the
// items not yet started.
func RunBatch[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) BatchResult[T] {
	res := BatchResult[T]{Items: items, Errs: make([]error, len(items))}
	if len(items) == 0 {
		return res
	}
	if workers <= 0 {
		workers = DefaultBatchWorkers
	}
	if workers > len(items) {
		workers = len(items)
	}

	jobCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobCh {
				res.Errs[i] = runOne(ctx, items[i], fn)
			}
		}()
	}

feed:
	for i := range items {
		select {
		case jobCh <- i:
		case <-ctx.Done():
			res.Errs[i] = ctx.Err()
			for j := i + 1; j < len(items); j++ {
				res.Errs[j] = ctx.Err()
			}
			break feed
		}
	}
	close(jobCh)
	wg.Wait()
	return res
}

func runOne[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("artifact: batch item panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, item)
}
