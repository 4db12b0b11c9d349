package memory

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"tether/internal/logging"
)

// Worker runs maintenance passes on a ticker until its context is
// cancelled. Ingestion never waits on the worker: each store operation
// takes its own short-lived lock.
type Worker struct {
	manager *Manager
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// StartWorker launches the background maintenance loop.
func StartWorker(ctx context.Context, m *Manager) *Worker {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	w := &Worker{manager: m, group: g, cancel: cancel}
	g.Go(func() error {
		return w.run(ctx)
	})
	logging.Memory("Maintenance worker started (interval=%s)", m.cfg.ConsolidateInterval.Value())
	return w
}

func (w *Worker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.manager.cfg.ConsolidateInterval.Value())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.manager.RunMaintenance(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryMemory).Warn("maintenance pass: %v", err)
			}
		}
	}
}

// Stop cancels the worker and waits for the in-flight pass to finish.
func (w *Worker) Stop() {
	w.cancel()
	if err := w.group.Wait(); err != nil && err != context.Canceled {
		logging.Get(logging.CategoryMemory).Warn("maintenance worker exit: %v", err)
	}
	logging.Memory("Maintenance worker stopped")
}
