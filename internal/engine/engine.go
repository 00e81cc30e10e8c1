// Package engine decides which drops go to the print sink and when.
//
// One Engine serves one user. It reacts to store change notifications (instant mode),
// to gate clock ticks (gated modes) and to explicit user actions, and it funnels every
// sink submission through a single lane so that at most one print job is ever in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iggafy/dropaline-sub000/internal/changes"
	"github.com/iggafy/dropaline-sub000/internal/drops"
	"github.com/iggafy/dropaline-sub000/internal/feed"
	"github.com/iggafy/dropaline-sub000/internal/gate"
	"github.com/iggafy/dropaline-sub000/internal/ledger"
	"github.com/iggafy/dropaline-sub000/internal/metrics"
	"github.com/iggafy/dropaline-sub000/internal/printing"
	"go.uber.org/zap"
)

// Print modes, recorded on jobs and metrics.
const (
	ModeInstant = "instant"
	ModeBatch   = "batch"
	ModeManual  = "manual"
)

// Batch triggers.
const (
	TriggerGate   = "gate"
	TriggerManual = "manual"
)

// Event kinds published on changes.TopicEngine.
const (
	EventJobStarted     = "job_started"
	EventJobFinished    = "job_finished"
	EventBatchStarted   = "batch_started"
	EventBatchFinished  = "batch_finished"
	EventSettingsChange = "settings_changed"
)

const (
	defaultPollInterval = time.Minute

	opRefresh  = "engine.refresh"
	opTick     = "engine.tick"
	opBatch    = "engine.batch"
	opPrint    = "engine.print"
	opSettings = "engine.settings"
)

var (
	// ErrBatchInProgress rejects a batch release while another one is running.
	ErrBatchInProgress = errors.New("engine: batch release already running")
	// ErrPrintInProgress rejects an explicit print while the lane is busy.
	ErrPrintInProgress = errors.New("engine: print job already in flight")
	// ErrDropNotFound indicates the drop is not in the user's feed.
	ErrDropNotFound = errors.New("engine: drop not in feed")
	// ErrPrintFailed indicates the sink reported failure for an explicit print.
	ErrPrintFailed = errors.New("engine: print sink reported failure")
	// ErrStopped rejects work after Stop.
	ErrStopped = errors.New("engine: stopped")
	// ErrAlreadyStarted rejects a second Start.
	ErrAlreadyStarted = errors.New("engine: already started")
)

// FeedLoader produces the resolved feed for a user.
type FeedLoader interface {
	Load(ctx context.Context, userID drops.UserID, policy gate.Policy) ([]feed.Item, error)
}

// Ledger is the delivery status store the engine writes to.
type Ledger interface {
	Upsert(ctx context.Context, userID, dropID string, status ledger.Status) error
	Get(ctx context.Context, userID, dropID string) (ledger.Status, bool, error)
}

// Settings holds the user's local scalars.
type Settings interface {
	Policy(ctx context.Context) (gate.Policy, error)
	SetPolicy(ctx context.Context, policy gate.Policy) error
	Device(ctx context.Context) (string, error)
	SetDevice(ctx context.Context, device string) error
	LastGate(ctx context.Context) (string, error)
	ClaimGate(ctx context.Context, gateID string) (bool, error)
}

// Bus delivers store notifications to the engine and carries engine events out.
type Bus interface {
	Subscribe(ctx context.Context, topic string) (<-chan changes.Event, func())
	Publish(event changes.Event)
}

// Config wires an Engine. Feed, Ledger, Settings and Sink are required.
type Config struct {
	UserID   drops.UserID
	Feed     FeedLoader
	Ledger   Ledger
	Settings Settings
	Sink     printing.Sink
	Bus      Bus
	Metrics  *metrics.Engine
	Logger   *zap.Logger

	// Clock drives gate evaluation. Defaults to time.Now.
	Clock func() time.Time
	// Ticks replaces the poll ticker when set.
	Ticks <-chan time.Time
	// Sleep implements the batch cooldown. Defaults to a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	PollInterval  time.Duration
	BatchCooldown time.Duration
	// SubmitTimeout bounds a single sink submission; zero waits indefinitely.
	SubmitTimeout time.Duration
}

type dropState int

const (
	stateUnseen dropState = iota
	statePrinting
	stateDone
)

// Job describes the submission currently inside the sink.
type Job struct {
	DropID    string    `json:"drop_id"`
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
}

// Engine is the auto-print engine for one user.
type Engine struct {
	userID        drops.UserID
	feed          FeedLoader
	ledger        Ledger
	settings      Settings
	sink          printing.Sink
	bus           Bus
	metrics       *metrics.Engine
	logger        *zap.Logger
	clock         func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	ticks         <-chan time.Time
	pollInterval  time.Duration
	cooldown      time.Duration
	submitTimeout time.Duration

	// lane holds a token while a submission is in flight.
	lane chan struct{}
	kick chan struct{}

	mu        sync.Mutex
	seen      map[string]dropState
	current   *Job
	batch     *Batch
	lastBatch *Batch
	baseCtx   context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool

	jobs sync.WaitGroup
	loop sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	if _, err := drops.NewUserID(cfg.UserID.String()); err != nil {
		return nil, err
	}
	if cfg.Feed == nil || cfg.Ledger == nil || cfg.Settings == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("engine: feed, ledger, settings and sink are required")
	}
	if cfg.BatchCooldown < 0 || cfg.SubmitTimeout < 0 {
		return nil, fmt.Errorf("engine: durations must not be negative")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = changes.NewDispatcher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Engine{
		userID:        cfg.UserID,
		feed:          cfg.Feed,
		ledger:        cfg.Ledger,
		settings:      cfg.Settings,
		sink:          cfg.Sink,
		bus:           bus,
		metrics:       cfg.Metrics,
		logger:        logger.With(zap.String("user_id", cfg.UserID.String())),
		clock:         clock,
		sleep:         sleep,
		ticks:         cfg.Ticks,
		pollInterval:  pollInterval,
		cooldown:      cfg.BatchCooldown,
		submitTimeout: cfg.SubmitTimeout,
		lane:          make(chan struct{}, 1),
		kick:          make(chan struct{}, 1),
		seen:          make(map[string]dropState),
		baseCtx:       context.Background(),
	}, nil
}

// Start launches the event loop: store notifications trigger refreshes and ticks
// evaluate the gate. Jobs started afterwards are cancelled when ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.baseCtx = runCtx
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	updates, unsubscribe := e.bus.Subscribe(runCtx, changes.TopicStore)
	ticks := e.ticks
	var ticker *time.Ticker
	if ticks == nil {
		ticker = time.NewTicker(e.pollInterval)
		ticks = ticker.C
	}

	e.loop.Add(1)
	go func() {
		defer e.loop.Done()
		defer unsubscribe()
		if ticker != nil {
			defer ticker.Stop()
		}
		e.run(runCtx, updates, ticks)
	}()
	e.logger.Info("engine started", zap.Duration("poll_interval", e.pollInterval))
	return nil
}

// Stop cancels the loop and any running batch, then waits for in-flight work.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.loop.Wait()
	e.jobs.Wait()
	e.logger.Info("engine stopped")
}

// Wait blocks until every job started so far has finished.
func (e *Engine) Wait() {
	e.jobs.Wait()
}

func (e *Engine) run(ctx context.Context, updates <-chan changes.Event, ticks <-chan time.Time) {
	e.refresh(ctx)
	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			drain(updates)
			e.refresh(ctx)
		case <-e.kick:
			e.refresh(ctx)
		case <-ticks:
			e.tick(ctx)
		}
	}
}

func (e *Engine) refresh(ctx context.Context) {
	if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
		e.logError(opRefresh, "refresh_failed", err)
	}
}

func (e *Engine) tick(ctx context.Context) {
	if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
		e.logError(opTick, "tick_failed", err)
	}
}

// drain discards queued notifications; one refresh covers all of them.
func drain(updates <-chan changes.Event) {
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Feed returns the user's current feed resolved against the active policy.
func (e *Engine) Feed(ctx context.Context) ([]feed.Item, error) {
	return e.feed.Load(ctx, e.userID, e.policy(ctx))
}

// SetPolicy persists a new delivery policy and triggers a refresh.
func (e *Engine) SetPolicy(ctx context.Context, policy gate.Policy) error {
	if err := e.settings.SetPolicy(ctx, policy); err != nil {
		e.logError(opSettings, "set_policy_failed", err)
		return err
	}
	e.logger.Info("delivery policy changed", zap.String("policy", policy.String()))
	e.settingsChanged("policy")
	return nil
}

// SetDevice persists the output device used for later jobs.
func (e *Engine) SetDevice(ctx context.Context, device string) error {
	if err := e.settings.SetDevice(ctx, device); err != nil {
		e.logError(opSettings, "set_device_failed", err)
		return err
	}
	e.settingsChanged("device")
	return nil
}

func (e *Engine) settingsChanged(detail string) {
	e.bus.Publish(changes.Event{Topic: changes.TopicStore, Kind: changes.KindChanged, Table: changes.TableLocalState})
	e.publish(EventSettingsChange, nil, detail)
}

// Snapshot reports the engine state for display.
type Snapshot struct {
	UserID      string       `json:"user_id"`
	Policy      string       `json:"policy"`
	Gated       bool         `json:"gated"`
	Device      string       `json:"device"`
	LastGate    string       `json:"last_gate,omitempty"`
	OpenGate    string       `json:"open_gate,omitempty"`
	NextRelease *time.Time   `json:"next_release,omitempty"`
	GateOpen    bool         `json:"gate_open"`
	CurrentJob  *Job         `json:"current_job,omitempty"`
	ActiveBatch *BatchReport `json:"active_batch,omitempty"`
	LastBatch   *BatchReport `json:"last_batch,omitempty"`
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	policy := e.policy(ctx)
	lastGate, err := e.settings.LastGate(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{
		UserID:   e.userID.String(),
		Policy:   policy.String(),
		Gated:    policy.Gated(),
		Device:   e.device(ctx),
		LastGate: lastGate,
	}
	now := e.clock()
	if occurrence, open := gate.Evaluate(policy, now); open {
		snapshot.GateOpen = true
		snapshot.OpenGate = occurrence.ID
	}
	if release, ok := gate.NextRelease(policy, now); ok {
		snapshot.NextRelease = &release
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		job := *e.current
		snapshot.CurrentJob = &job
	}
	if e.batch != nil {
		report := e.batch.Report()
		snapshot.ActiveBatch = &report
	}
	if e.lastBatch != nil {
		report := e.lastBatch.Report()
		snapshot.LastBatch = &report
	}
	return snapshot, nil
}

// policy reads the stored policy. An unreadable or invalid value holds every delivery:
// it behaves like a custom gate that never opens.
func (e *Engine) policy(ctx context.Context) gate.Policy {
	policy, err := e.settings.Policy(ctx)
	if err != nil {
		e.logger.Warn("delivery policy unusable, holding deliveries", zap.Error(err))
		return gate.Custom("", "")
	}
	return policy
}

func (e *Engine) device(ctx context.Context) string {
	device, err := e.settings.Device(ctx)
	if err != nil {
		e.logger.Warn("output device unreadable, saving as document", zap.Error(err))
		return printing.SaveAsDocument
	}
	if device == "" {
		return printing.SaveAsDocument
	}
	return device
}

// track registers a unit of background work. It fails once the engine is stopped.
func (e *Engine) track() (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, false
	}
	e.jobs.Add(1)
	return e.baseCtx, true
}

func (e *Engine) tryAcquire() bool {
	select {
	case e.lane <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.lane <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	<-e.lane
}

// submit hands one drop to the sink. The caller holds the lane.
func (e *Engine) submit(ctx context.Context, item feed.Item, mode, device string) bool {
	doc, err := printing.NewDocument(item.Drop, item.AuthorHandle, device)
	if err != nil {
		e.logError(opPrint, "render_failed", err, zap.String("drop_id", item.DropID()))
		return false
	}

	job := &Job{DropID: item.DropID(), Title: item.Drop.Title, Mode: mode, DeviceID: device, StartedAt: e.clock()}
	e.mu.Lock()
	e.current = job
	e.mu.Unlock()
	e.publish(EventJobStarted, []string{job.DropID}, mode)

	submitCtx := ctx
	if e.submitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, e.submitTimeout)
		defer cancel()
	}
	e.metrics.SubmitStarted()
	started := time.Now()
	ok := e.sink.Submit(submitCtx, doc)
	e.metrics.SubmitFinished(mode, ok, time.Since(started))

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()

	outcome := "printed"
	if !ok {
		outcome = "failed"
		e.logger.Warn("print submission failed",
			zap.String("operation", opPrint),
			zap.String("drop_id", job.DropID),
			zap.String("mode", mode),
			zap.String("device", device),
			zap.Bool("timed_out", errors.Is(submitCtx.Err(), context.DeadlineExceeded)),
		)
	}
	e.publish(EventJobFinished, []string{job.DropID}, outcome)
	return ok
}

// markPrinted records a successful print. The write outlives cancellation of ctx so a
// print that already happened is not lost to shutdown.
func (e *Engine) markPrinted(ctx context.Context, dropID string) error {
	err := e.ledger.Upsert(context.WithoutCancel(ctx), e.userID.String(), dropID, ledger.StatusPrinted)
	if err != nil {
		e.metrics.LedgerWriteFailed()
		e.logger.Error("printed drop not recorded, it may be printed again",
			zap.String("operation", opPrint),
			zap.String("reason", "ledger_write_failed"),
			zap.String("drop_id", dropID),
			zap.Error(err),
		)
	}
	return err
}

func (e *Engine) setState(dropID string, state dropState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state == stateUnseen {
		delete(e.seen, dropID)
		return
	}
	e.seen[dropID] = state
}

func (e *Engine) publish(kind string, ids []string, detail string) {
	e.bus.Publish(changes.Event{Topic: changes.TopicEngine, Kind: kind, IDs: ids, Detail: detail})
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	e.logger.Error("engine operation failed", allFields...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
