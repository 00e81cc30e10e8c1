package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iggafy/dropaline-sub000/internal/auth"
	"github.com/iggafy/dropaline-sub000/internal/changes"
	"github.com/iggafy/dropaline-sub000/internal/database"
	"github.com/iggafy/dropaline-sub000/internal/drops"
	"github.com/iggafy/dropaline-sub000/internal/engine"
	"github.com/iggafy/dropaline-sub000/internal/feed"
	"github.com/iggafy/dropaline-sub000/internal/ledger"
	"github.com/iggafy/dropaline-sub000/internal/metrics"
	"github.com/iggafy/dropaline-sub000/internal/printing"
	"github.com/iggafy/dropaline-sub000/internal/state"
	"go.uber.org/zap"
)

const integrationSecret = "integration-signing-secret"

type integrationStack struct {
	server  *httptest.Server
	drops   *drops.Service
	engine  *engine.Engine
	token   string
	mu      sync.Mutex
	printed []printing.Document
}

func (s *integrationStack) documents() []printing.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]printing.Document(nil), s.printed...)
}

func newIntegrationStack(t *testing.T) *integrationStack {
	t.Helper()
	logger := zap.NewNop()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "dropaline.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	dispatcher := changes.NewDispatcher()
	dropService, err := drops.NewService(drops.ServiceConfig{
		Database:   db,
		IDProvider: drops.NewUUIDProvider(),
		Notifier:   dispatcher,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct drop service: %v", err)
	}
	deliveryLedger, err := ledger.New(ledger.Config{Database: db, Notifier: dispatcher, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	builder, err := feed.NewBuilder(dropService, deliveryLedger)
	if err != nil {
		t.Fatalf("failed to construct feed builder: %v", err)
	}
	store, err := state.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("failed to construct state store: %v", err)
	}

	stack := &integrationStack{drops: dropService}
	sink := printing.SinkFunc(func(_ context.Context, doc printing.Document) bool {
		stack.mu.Lock()
		stack.printed = append(stack.printed, doc)
		stack.mu.Unlock()
		return true
	})

	registry := metrics.NewRegistry()
	deliveryEngine, err := engine.New(engine.Config{
		UserID:   testOwner,
		Feed:     builder,
		Ledger:   deliveryLedger,
		Settings: state.NewSettings(store, testOwner.String()),
		Sink:     sink,
		Bus:      dispatcher,
		Metrics:  metrics.NewEngine(registry),
		Logger:   logger,
		Sleep:    func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		deliveryEngine.Stop()
	})
	if err := deliveryEngine.Start(ctx); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	stack.engine = deliveryEngine

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Owner:         testOwner.String(),
		SigningSecret: []byte(integrationSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(integrationSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	stack.token, _, err = issuer.Issue(testOwner.String(), "@reader")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		UserID:            testOwner,
		Engine:            deliveryEngine,
		Drops:             dropService,
		Sessions:          validator,
		Events:            dispatcher,
		Metrics:           metrics.Handler(registry),
		HeartbeatInterval: time.Hour,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	stack.server = httptest.NewServer(handler)
	t.Cleanup(stack.server.Close)
	return stack
}

func (s *integrationStack) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+s.token)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (s *integrationStack) feed(t *testing.T) feedResponsePayload {
	t.Helper()
	response := s.do(t, http.MethodGet, "/feed", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected feed status: %d", response.StatusCode)
	}
	var payload feedResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode feed: %v", err)
	}
	return payload
}

// readEvent scans the SSE stream until an event with the given name arrives.
func readEvent(t *testing.T, reader *bufio.Reader, name string) eventPayload {
	t.Helper()
	type result struct {
		payload eventPayload
		err     error
	}
	found := make(chan result, 1)
	go func() {
		current := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				found <- result{err: err}
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				current = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && current == name:
				var payload eventPayload
				err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload)
				found <- result{payload: payload, err: err}
				return
			}
		}
	}()
	select {
	case outcome := <-found:
		if outcome.err != nil {
			t.Fatalf("failed to read %s event: %v", name, outcome.err)
		}
		return outcome.payload
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s event", name)
	}
	return eventPayload{}
}

func TestInstantDeliveryEndToEnd(t *testing.T) {
	stack := newIntegrationStack(t)
	ctx := context.Background()

	if err := stack.drops.RegisterAuthor(ctx, "writer", "@writer"); err != nil {
		t.Fatalf("failed to register author: %v", err)
	}
	if response := stack.do(t, http.MethodPut, "/subscriptions/writer", `{"auto_print":true}`); response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected subscribe status: %d", response.StatusCode)
	}

	stream := stack.do(t, http.MethodGet, "/events?access_token="+stack.token, "")
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", stream.StatusCode)
	}
	if contentType := stream.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected stream content type: %q", contentType)
	}
	reader := bufio.NewReader(stream.Body)

	drop, err := stack.drops.Publish(ctx, drops.Draft{
		AuthorID: "writer",
		Title:    "Morning Edition",
		Body:     []drops.Block{{Text: "Fresh off the press", Bold: true}},
		Layout:   drops.LayoutZine,
	})
	if err != nil {
		t.Fatalf("failed to publish drop: %v", err)
	}

	finished := readEvent(t, reader, engine.EventJobFinished)
	if len(finished.IDs) != 1 || finished.IDs[0] != drop.DropID || finished.Detail != "printed" {
		t.Fatalf("unexpected job event: %#v", finished)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		items := stack.feed(t).Items
		if len(items) == 1 && items[0].Status == string(ledger.StatusPrinted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("drop never reached printed: %#v", items)
		}
		time.Sleep(20 * time.Millisecond)
	}

	documents := stack.documents()
	if len(documents) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(documents))
	}
	if documents[0].DeviceID != printing.SaveAsDocument || documents[0].Layout != drops.LayoutZine {
		t.Fatalf("unexpected document: %#v", documents[0])
	}
	if !strings.Contains(documents[0].Markup, "<b>Fresh off the press</b>") {
		t.Fatalf("expected bold body in markup, got %q", documents[0].Markup)
	}
}

func TestGatedPolicyQueuesThenManualBatchPrints(t *testing.T) {
	stack := newIntegrationStack(t)
	ctx := context.Background()

	if response := stack.do(t, http.MethodPut, "/policy", `{"policy":"custom:2099-01-01T08:00"}`); response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected policy status: %d", response.StatusCode)
	}
	if err := stack.drops.RegisterAuthor(ctx, "writer", "@writer"); err != nil {
		t.Fatalf("failed to register author: %v", err)
	}
	if response := stack.do(t, http.MethodPut, "/subscriptions/writer", `{"auto_print":true}`); response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected subscribe status: %d", response.StatusCode)
	}
	for _, title := range []string{"First", "Second"} {
		if _, err := stack.drops.Publish(ctx, drops.Draft{AuthorID: "writer", Title: title}); err != nil {
			t.Fatalf("failed to publish drop: %v", err)
		}
	}

	items := stack.feed(t).Items
	if len(items) != 2 {
		t.Fatalf("expected two drops, got %d", len(items))
	}
	for _, item := range items {
		if item.Status != string(ledger.StatusQueued) {
			t.Fatalf("expected queued status under a closed gate, got %#v", item)
		}
	}

	response := stack.do(t, http.MethodPost, "/batch", "")
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected batch status: %d", response.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		printed := 0
		for _, item := range stack.feed(t).Items {
			if item.Status == string(ledger.StatusPrinted) {
				printed++
			}
		}
		if printed == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch did not print both drops, printed %d", printed)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if documents := stack.documents(); len(documents) != 2 {
		t.Fatalf("expected two submissions, got %d", len(documents))
	}

	metricsResponse, err := http.Get(stack.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("failed to scrape metrics: %v", err)
	}
	defer metricsResponse.Body.Close()
	var scraped bytes.Buffer
	if _, err := scraped.ReadFrom(metricsResponse.Body); err != nil {
		t.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(scraped.String(), "dropaline_batches_total") {
		t.Fatalf("expected batch counter in metrics output")
	}
}
