package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type countingNotifier struct {
	calls int
}

func (n *countingNotifier) TableChanged(string, ...string) {
	n.calls++
}

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB, *countingNotifier) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&DeliveryStatus{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	notifier := &countingNotifier{}
	ledger, err := New(Config{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	return ledger, db, notifier
}

func TestGetMissingRowDefaultsToReceived(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	status, found, err := ledger.Get(context.Background(), "user-1", "drop-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected no row")
	}
	if status != StatusReceived {
		t.Fatalf("expected received default, got %s", status)
	}
}

func TestUpsertPrintedTwiceKeepsOneRow(t *testing.T) {
	ledger, db, notifier := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := ledger.Upsert(ctx, "user-1", "drop-1", StatusPrinted); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}

	var count int64
	if err := db.Model(&DeliveryStatus{}).Where("user_id = ? AND drop_id = ?", "user-1", "drop-1").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row, got %d", count)
	}
	status, found, err := ledger.Get(ctx, "user-1", "drop-1")
	if err != nil || !found || status != StatusPrinted {
		t.Fatalf("expected printed row, got %s found=%v err=%v", status, found, err)
	}
	if notifier.calls != 2 {
		t.Fatalf("expected a change hint per write, got %d", notifier.calls)
	}
}

func TestUpsertNeverDowngradesPrinted(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	if err := ledger.Upsert(ctx, "user-1", "drop-1", StatusPrinted); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := ledger.Upsert(ctx, "user-1", "drop-1", StatusReceived); err != nil {
		t.Fatalf("downgrade upsert failed: %v", err)
	}
	status, _, err := ledger.Get(ctx, "user-1", "drop-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if status != StatusPrinted {
		t.Fatalf("expected printed to be sticky, got %s", status)
	}
}

func TestUpsertReceivedThenPrinted(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	if err := ledger.Upsert(ctx, "user-1", "drop-1", StatusReceived); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := ledger.Upsert(ctx, "user-1", "drop-1", StatusPrinted); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	statuses, err := ledger.ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(statuses) != 1 || statuses["drop-1"] != StatusPrinted {
		t.Fatalf("unexpected statuses: %#v", statuses)
	}
}

func TestUpsertRejectsQueuedAndInvalidInput(t *testing.T) {
	ledger, _, notifier := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		dropID  string
		status  Status
		wantErr error
	}{
		{name: "queued", userID: "user-1", dropID: "drop-1", status: StatusQueued, wantErr: ErrQueuedNotStorable},
		{name: "unknown-status", userID: "user-1", dropID: "drop-1", status: Status("archived"), wantErr: ErrInvalidStatus},
		{name: "empty-user", userID: "", dropID: "drop-1", status: StatusPrinted, wantErr: ErrInvalidKey},
		{name: "padded-drop", userID: "user-1", dropID: " drop-1", status: StatusPrinted, wantErr: ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ledger.Upsert(ctx, tt.userID, tt.dropID, tt.status)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if notifier.calls != 0 {
		t.Fatalf("rejected writes must not notify, got %d", notifier.calls)
	}
}

func TestListForUserIsScopedByUser(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	if err := ledger.Upsert(ctx, "user-1", "drop-1", StatusPrinted); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := ledger.Upsert(ctx, "user-2", "drop-2", StatusPrinted); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	statuses, err := ledger.ListForUser(ctx, "user-2")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected one status for user-2, got %#v", statuses)
	}
	if _, ok := statuses["drop-1"]; ok {
		t.Fatalf("user-1 rows leaked into user-2 listing")
	}
}

func TestParseStatus(t *testing.T) {
	if status, err := ParseStatus(" Printed "); err != nil || status != StatusPrinted {
		t.Fatalf("unexpected parse result %s %v", status, err)
	}
	if _, err := ParseStatus("lost"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestCorruptStoredStatusIsRejected(t *testing.T) {
	ledger, db, _ := newTestLedger(t)
	ctx := context.Background()
	if err := db.Create(&DeliveryStatus{UserID: "user-1", DropID: "drop-1", Status: "lost", UpdatedAtSeconds: 1}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := ledger.Upsert(ctx, "user-1", "drop-2", StatusPrinted); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if _, _, err := ledger.Get(ctx, "user-1", "drop-1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
	statuses, err := ledger.ListForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if _, ok := statuses["drop-1"]; ok || statuses["drop-2"] != StatusPrinted || len(statuses) != 1 {
		t.Fatalf("expected only the readable row, got %#v", statuses)
	}
}
