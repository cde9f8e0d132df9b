package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of one key in a batch.
type BatchResult struct {
	Key     string
	Event   Event
	Err     error
	Skipped bool // never started because an earlier job failed
}

// InstallBatch downloads and installs keys with at most parallel jobs in
// flight. The first failure cancels the jobs still running and skips the
// rest. Results are returned in the order of keys together with the first
// error.
func (o *Orchestrator) InstallBatch(ctx context.Context, keys []string, parallel int) ([]BatchResult, error) {
	if parallel <= 0 {
		parallel = 1
	}
	results := make([]BatchResult, len(keys))
	for i, key := range keys {
		results[i] = BatchResult{Key: key, Skipped: true}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	var mu sync.Mutex
	for i, key := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			ev, err := o.Download(gctx, key)
			mu.Lock()
			results[i] = BatchResult{Key: key, Event: ev, Err: err}
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	err := g.Wait()

	skipped := 0
	for _, r := range results {
		if r.Skipped {
			skipped++
		}
	}
	if skipped > 0 {
		o.logger.Warn("batch stopped early", "skipped", skipped, "error", err)
	}
	return results, err
}
