package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iggafy/dropaline-sub000/internal/feed"
	"github.com/iggafy/dropaline-sub000/internal/gate"
	"github.com/iggafy/dropaline-sub000/internal/ledger"
	"go.uber.org/zap"
)

// Per-drop batch outcomes.
const (
	OutcomePrinted    = "printed"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
	OutcomeUnrecorded = "unrecorded"
	OutcomeAborted    = "aborted"
)

// Result is the outcome of one drop in a batch.
type Result struct {
	DropID  string `json:"drop_id"`
	Outcome string `json:"outcome"`
}

// Batch is one release of queued drops. Its drop list is fixed when it starts.
type Batch struct {
	ID        string
	Trigger   string
	GateID    string
	StartedAt time.Time

	items []feed.Item
	done  chan struct{}

	mu         sync.Mutex
	results    []Result
	finishedAt time.Time
}

// BatchReport is a point-in-time view of a batch.
type BatchReport struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	GateID     string     `json:"gate_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DropIDs    []string   `json:"drop_ids"`
	Results    []Result   `json:"results"`
}

// Count returns how many drops ended with the given outcome.
func (r BatchReport) Count(outcome string) int {
	count := 0
	for _, result := range r.Results {
		if result.Outcome == outcome {
			count++
		}
	}
	return count
}

// Done is closed when the batch has processed every drop or was aborted.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

func (b *Batch) Report() BatchReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	report := BatchReport{
		ID:        b.ID,
		Trigger:   b.Trigger,
		GateID:    b.GateID,
		StartedAt: b.StartedAt,
		DropIDs:   make([]string, 0, len(b.items)),
		Results:   append([]Result(nil), b.results...),
	}
	for _, item := range b.items {
		report.DropIDs = append(report.DropIDs, item.DropID())
	}
	if !b.finishedAt.IsZero() {
		finished := b.finishedAt
		report.FinishedAt = &finished
	}
	return report
}

func (b *Batch) record(result Result) {
	b.mu.Lock()
	b.results = append(b.results, result)
	b.mu.Unlock()
}

// Tick evaluates the gate for the active policy. When the gate is open for an occurrence
// that has not fired and something is queued, it claims the occurrence and starts a
// batch. It returns the started batch, or nil when nothing fired.
func (e *Engine) Tick(ctx context.Context) (*Batch, error) {
	policy := e.policy(ctx)
	if !policy.Gated() {
		return nil, nil
	}
	occurrence, open := gate.Evaluate(policy, e.clock())
	if !open {
		return nil, nil
	}
	lastGate, err := e.settings.LastGate(ctx)
	if err != nil {
		return nil, err
	}
	if lastGate == occurrence.ID {
		return nil, nil
	}

	items, err := e.feed.Load(ctx, e.userID, policy)
	if err != nil {
		return nil, err
	}
	queued := feed.Queued(items)
	if len(queued) == 0 {
		return nil, nil
	}

	batch, runCtx, err := e.reserveBatch(TriggerGate, occurrence.ID, queued)
	if errors.Is(err, ErrBatchInProgress) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	won, err := e.settings.ClaimGate(ctx, occurrence.ID)
	if err != nil || !won {
		e.abandonBatch(batch)
		if !won && err == nil {
			e.logger.Info("gate occurrence already fired", zap.String("gate_id", occurrence.ID))
		}
		return nil, err
	}
	e.logger.Info("gate opened",
		zap.String("gate_id", occurrence.ID),
		zap.Time("release_at", occurrence.ReleaseAt),
		zap.Int("queued", len(queued)),
	)
	go e.runBatch(runCtx, batch)
	return batch, nil
}

// RunBatch releases every queued drop now, ignoring gate timing. The batch runs in the
// background on the engine's own context.
func (e *Engine) RunBatch(ctx context.Context) (*Batch, error) {
	items, err := e.feed.Load(ctx, e.userID, e.policy(ctx))
	if err != nil {
		return nil, err
	}
	batch, runCtx, err := e.reserveBatch(TriggerManual, "", feed.Queued(items))
	if err != nil {
		return nil, err
	}
	go e.runBatch(runCtx, batch)
	return batch, nil
}

func (e *Engine) reserveBatch(trigger, gateID string, queued []feed.Item) (*Batch, context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, nil, ErrStopped
	}
	if e.batch != nil {
		return nil, nil, ErrBatchInProgress
	}
	batch := &Batch{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		GateID:    gateID,
		StartedAt: e.clock(),
		items:     append([]feed.Item(nil), queued...),
		done:      make(chan struct{}),
	}
	e.batch = batch
	e.jobs.Add(1)
	return batch, e.baseCtx, nil
}

func (e *Engine) abandonBatch(batch *Batch) {
	e.mu.Lock()
	if e.batch == batch {
		e.batch = nil
	}
	e.mu.Unlock()
	close(batch.done)
	e.jobs.Done()
}

func (e *Engine) runBatch(ctx context.Context, batch *Batch) {
	defer e.jobs.Done()
	defer e.finishBatch(batch)

	e.metrics.BatchStarted(batch.Trigger, len(batch.items))
	e.publish(EventBatchStarted, []string{batch.ID}, batch.Trigger)
	e.logger.Info("batch release started",
		zap.String("batch_id", batch.ID),
		zap.String("trigger", batch.Trigger),
		zap.Int("drops", len(batch.items)),
	)

	device := e.device(ctx)
	submitted := false
	for index, item := range batch.items {
		if submitted && e.cooldown > 0 {
			if err := e.sleep(ctx, e.cooldown); err != nil {
				e.abortRemaining(batch, batch.items[index:])
				return
			}
		}
		if ctx.Err() != nil {
			e.abortRemaining(batch, batch.items[index:])
			return
		}
		result := e.releaseOne(ctx, item, device)
		submitted = result.Outcome != OutcomeSkipped
		batch.record(result)
	}
}

// releaseOne prints one batch drop and records it right away. A drop printed since the
// batch captured its snapshot is skipped.
func (e *Engine) releaseOne(ctx context.Context, item feed.Item, device string) Result {
	dropID := item.DropID()
	status, found, err := e.ledger.Get(ctx, e.userID.String(), dropID)
	if err != nil {
		e.logger.Warn("ledger read failed, printing anyway", zap.String("drop_id", dropID), zap.Error(err))
	} else if found && status == ledger.StatusPrinted {
		return Result{DropID: dropID, Outcome: OutcomeSkipped}
	}

	if err := e.acquire(ctx); err != nil {
		return Result{DropID: dropID, Outcome: OutcomeAborted}
	}
	ok := e.submit(ctx, item, ModeBatch, device)
	var ledgerErr error
	if ok {
		ledgerErr = e.markPrinted(ctx, dropID)
	}
	e.release()

	switch {
	case !ok:
		return Result{DropID: dropID, Outcome: OutcomeFailed}
	case ledgerErr != nil:
		return Result{DropID: dropID, Outcome: OutcomeUnrecorded}
	default:
		e.setState(dropID, stateDone)
		return Result{DropID: dropID, Outcome: OutcomePrinted}
	}
}

func (e *Engine) abortRemaining(batch *Batch, remaining []feed.Item) {
	for _, item := range remaining {
		batch.record(Result{DropID: item.DropID(), Outcome: OutcomeAborted})
	}
	e.logger.Warn("batch release aborted", zap.String("batch_id", batch.ID), zap.Int("remaining", len(remaining)))
}

func (e *Engine) finishBatch(batch *Batch) {
	batch.mu.Lock()
	batch.finishedAt = e.clock()
	batch.mu.Unlock()

	e.mu.Lock()
	if e.batch == batch {
		e.batch = nil
	}
	e.lastBatch = batch
	e.mu.Unlock()

	report := batch.Report()
	e.logger.Info("batch release finished",
		zap.String("batch_id", batch.ID),
		zap.Int("printed", report.Count(OutcomePrinted)),
		zap.Int("failed", report.Count(OutcomeFailed)),
		zap.Int("skipped", report.Count(OutcomeSkipped)),
		zap.Int("unrecorded", report.Count(OutcomeUnrecorded)),
	)
	e.publish(EventBatchFinished, []string{batch.ID}, batch.Trigger)
	close(batch.done)
}
