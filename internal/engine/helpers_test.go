package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iggafy/dropaline-sub000/internal/changes"
	"github.com/iggafy/dropaline-sub000/internal/drops"
	"github.com/iggafy/dropaline-sub000/internal/feed"
	"github.com/iggafy/dropaline-sub000/internal/ledger"
	"github.com/iggafy/dropaline-sub000/internal/printing"
	"github.com/iggafy/dropaline-sub000/internal/state"
	"gorm.io/datatypes"
)

const testUser = drops.UserID("reader")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// dropList is a mutable stand-in for the drops service.
type dropList struct {
	mu      sync.Mutex
	visible []drops.VisibleDrop
}

func (l *dropList) add(id string, autoPrint bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible = append(l.visible, drops.VisibleDrop{
		Drop: drops.Drop{
			DropID:   id,
			AuthorID: "author",
			Title:    id,
			Body:     datatypes.JSON(`[{"text":"body of ` + id + `"}]`),
			Layout:   drops.LayoutClassic,
		},
		AuthorHandle: "@author",
		AutoPrint:    autoPrint,
	})
}

func (l *dropList) VisibleDrops(context.Context, drops.UserID) ([]drops.VisibleDrop, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]drops.VisibleDrop(nil), l.visible...), nil
}

// memLedger keeps ledger rows in memory and can fail upserts on demand.
type memLedger struct {
	mu          sync.Mutex
	rows        map[string]ledger.Status
	failUpserts int
	upserts     int
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]ledger.Status)}
}

func (l *memLedger) Upsert(_ context.Context, _ string, dropID string, status ledger.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failUpserts > 0 {
		l.failUpserts--
		return errors.New("store offline")
	}
	l.upserts++
	if l.rows[dropID] == ledger.StatusPrinted {
		return nil
	}
	l.rows[dropID] = status
	return nil
}

func (l *memLedger) Get(_ context.Context, _ string, dropID string) (ledger.Status, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, found := l.rows[dropID]
	if !found {
		return ledger.StatusReceived, false, nil
	}
	return status, true, nil
}

func (l *memLedger) ListForUser(context.Context, string) (map[string]ledger.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := make(map[string]ledger.Status, len(l.rows))
	for id, status := range l.rows {
		rows[id] = status
	}
	return rows, nil
}

func (l *memLedger) status(dropID string) ledger.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows[dropID]
}

// memStore is an in-memory state.Store.
type memStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found := s.values[key]
	return value, found, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memStore) Swap(_ context.Context, key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.values[key]
	s.values[key] = value
	return previous, nil
}

// recordingSink records submissions by document title and tracks concurrency.
type recordingSink struct {
	mu        sync.Mutex
	submitted []string
	failures  map[string]int
	hold      chan struct{}
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failures: make(map[string]int)}
}

func (s *recordingSink) failNext(title string, times int) {
	s.mu.Lock()
	s.failures[title] = times
	s.mu.Unlock()
}

func (s *recordingSink) Submit(ctx context.Context, doc printing.Document) bool {
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxInFlight.Load()
		if current <= seen || s.maxInFlight.CompareAndSwap(seen, current) {
			break
		}
	}

	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
			return false
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, doc.Title)
	if s.failures[doc.Title] > 0 {
		s.failures[doc.Title]--
		return false
	}
	return true
}

func (s *recordingSink) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

type harness struct {
	engine   *Engine
	drops    *dropList
	ledger   *memLedger
	store    *memStore
	settings *state.Settings
	sink     *recordingSink
	clock    *fakeClock
	bus      *changes.Dispatcher
	sleeps   atomic.Int32
}

type harnessOption func(*Config)

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		drops:  &dropList{},
		ledger: newMemLedger(),
		store:  newMemStore(),
		sink:   newRecordingSink(),
		clock:  newFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
		bus:    changes.NewDispatcher(),
	}
	h.settings = state.NewSettings(h.store, testUser.String())
	builder, err := feed.NewBuilder(h.drops, h.ledger)
	if err != nil {
		t.Fatalf("failed to build feed: %v", err)
	}
	cfg := Config{
		UserID:        testUser,
		Feed:          builder,
		Ledger:        h.ledger,
		Settings:      h.settings,
		Sink:          h.sink,
		Bus:           h.bus,
		Clock:         h.clock.Now,
		BatchCooldown: 2 * time.Second,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			h.sleeps.Add(1)
			return ctx.Err()
		},
	}
	for _, option := range options {
		option(&cfg)
	}
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	h.engine = engine
	t.Cleanup(engine.Stop)
	return h
}

func withFeed(loader FeedLoader) harnessOption {
	return func(cfg *Config) { cfg.Feed = loader }
}

func withTicks(ticks <-chan time.Time) harnessOption {
	return func(cfg *Config) { cfg.Ticks = ticks }
}

func withSubmitTimeout(timeout time.Duration) harnessOption {
	return func(cfg *Config) { cfg.SubmitTimeout = timeout }
}

func waitBatch(t *testing.T, batch *Batch) BatchReport {
	t.Helper()
	if batch == nil {
		t.Fatalf("expected a batch")
	}
	select {
	case <-batch.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("batch %s did not finish", batch.ID)
	}
	return batch.Report()
}

func waitForEvent(t *testing.T, events <-chan changes.Event, kind string) changes.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func ids(count int) []string {
	out := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, fmt.Sprintf("drop-%d", i))
	}
	return out
}
