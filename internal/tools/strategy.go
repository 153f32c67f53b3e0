// ABOUTME: The two multi-endpoint strategies: sequential first-success and parallel fan-out
// ABOUTME: Balance lookups stop at the first good endpoint; latency probes hit every endpoint at once

package tools

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// firstSuccessSequential tries endpoints strictly in order, waiting for each
// before the next, and stops at the first one try reports as a success. It
// returns every attempt made and the index of the winner, or -1.
func firstSuccessSequential[T any](ctx context.Context, endpoints []string, try func(context.Context, string) (T, bool)) ([]T, int) {
	attempts := make([]T, 0, len(endpoints))
	for _, endpoint := range endpoints {
		if ctx.Err() != nil {
			break
		}
		result, ok := try(ctx, endpoint)
		attempts = append(attempts, result)
		if ok {
			return attempts, len(attempts) - 1
		}
	}
	return attempts, -1
}

// fanOutParallel runs probe against every endpoint concurrently and returns
// the results in endpoint order. A probe error cancels the rest.
func fanOutParallel[T any](ctx context.Context, endpoints []string, probe func(context.Context, string) (T, error)) ([]T, error) {
	results := make([]T, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			r, err := probe(gctx, endpoint)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
