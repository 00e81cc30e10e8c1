package engine

import (
	"context"
	"fmt"

	"github.com/iggafy/dropaline-sub000/internal/feed"
)

// PrintNow prints one drop on explicit user request, through the same lane as automatic
// jobs. It fails fast with ErrPrintInProgress instead of queueing behind another job.
// A drop that was already printed may be printed again; its status stays printed.
func (e *Engine) PrintNow(ctx context.Context, dropID string) error {
	items, err := e.Feed(ctx)
	if err != nil {
		return err
	}
	var (
		target feed.Item
		found  bool
	)
	for _, item := range items {
		if item.DropID() == dropID {
			target, found = item, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrDropNotFound, dropID)
	}

	runCtx, ok := e.track()
	if !ok {
		return ErrStopped
	}
	defer e.jobs.Done()
	if !e.tryAcquire() {
		return ErrPrintInProgress
	}
	defer e.release()

	if !e.submit(runCtx, target, ModeManual, e.device(ctx)) {
		return ErrPrintFailed
	}
	if err := e.markPrinted(runCtx, dropID); err != nil {
		return err
	}
	e.setState(dropID, stateDone)
	return nil
}
