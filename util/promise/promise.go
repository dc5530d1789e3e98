package promise

import (
	"context"
	"sync"
)

// Result is the outcome of one settled job.
type Result[V any] struct {
	Value V
	Err   error
}

// Settle runs every job concurrently and waits for all of them, keeping the
// order of jobs in the returned slice. A failing job does not cancel the
// others. Jobs must return once ctx is done, otherwise Settle blocks.
func Settle[V any](ctx context.Context, jobs ...func(context.Context) (V, error)) []Result[V] {
	results := make([]Result[V], len(jobs))

	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for i, job := range jobs {
		go func() {
			defer wg.Done()
			v, err := job(ctx)
			results[i] = Result[V]{Value: v, Err: err}
		}()
	}
	wg.Wait()

	return results
}
