package engine

import (
	"context"

	"github.com/iggafy/dropaline-sub000/internal/feed"
	"github.com/iggafy/dropaline-sub000/internal/ledger"
)

// Refresh reloads the feed. In instant mode it starts at most one print job for the first
// received, auto-print drop this engine has not handled yet. The job runs in the
// background; Refresh never waits for the sink.
func (e *Engine) Refresh(ctx context.Context) error {
	policy := e.policy(ctx)
	items, err := e.feed.Load(ctx, e.userID, policy)
	if err != nil {
		return err
	}
	e.metrics.Refreshed()
	if policy.Gated() {
		return nil
	}
	e.startInstant(items)
	return nil
}

func (e *Engine) startInstant(items []feed.Item) {
	if !e.tryAcquire() {
		return
	}
	e.mu.Lock()
	item, found := e.nextInstantLocked(items)
	if !found || e.stopped {
		e.mu.Unlock()
		e.release()
		return
	}
	e.seen[item.DropID()] = statePrinting
	e.jobs.Add(1)
	ctx := e.baseCtx
	e.mu.Unlock()

	go e.runInstant(ctx, item)
}

func (e *Engine) nextInstantLocked(items []feed.Item) (feed.Item, bool) {
	for _, item := range items {
		if item.Status != ledger.StatusReceived || !item.AutoPrint {
			continue
		}
		if e.seen[item.DropID()] != stateUnseen {
			continue
		}
		return item, true
	}
	return feed.Item{}, false
}

func (e *Engine) runInstant(ctx context.Context, item feed.Item) {
	defer e.jobs.Done()

	ok := e.submit(ctx, item, ModeInstant, e.device(ctx))
	next := stateUnseen
	if ok {
		// The drop is done for this process even when the ledger write fails; only a
		// restart can print it again.
		_ = e.markPrinted(ctx, item.DropID())
		next = stateDone
	}
	e.setState(item.DropID(), next)
	e.release()

	// A failed drop waits for the next natural refresh; a success moves on to the
	// next eligible drop right away.
	if next == stateDone {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}
