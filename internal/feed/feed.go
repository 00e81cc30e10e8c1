package feed

import (
	"context"
	"fmt"

	"github.com/iggafy/dropaline-sub000/internal/drops"
	"github.com/iggafy/dropaline-sub000/internal/gate"
	"github.com/iggafy/dropaline-sub000/internal/ledger"
)

// Item is a drop as the viewer sees it, with its effective delivery status.
type Item struct {
	Drop         drops.Drop
	AuthorHandle string
	AutoPrint    bool
	Status       ledger.Status
}

// DropID returns the item's drop identifier.
func (i Item) DropID() string {
	return i.Drop.DropID
}

// Resolve maps a ledger row to the status shown to the viewer. Printed is terminal;
// otherwise a gated policy shows the drop as queued.
func Resolve(stored ledger.Status, found bool, policy gate.Policy) ledger.Status {
	if found && stored == ledger.StatusPrinted {
		return ledger.StatusPrinted
	}
	if policy.Gated() {
		return ledger.StatusQueued
	}
	return ledger.StatusReceived
}

// DropSource lists the drops visible to a viewer in feed order.
type DropSource interface {
	VisibleDrops(ctx context.Context, viewerID drops.UserID) ([]drops.VisibleDrop, error)
}

// StatusSource lists stored ledger rows for a user.
type StatusSource interface {
	ListForUser(ctx context.Context, userID string) (map[string]ledger.Status, error)
}

// Builder assembles the resolved feed. It keeps no state between loads.
type Builder struct {
	drops    DropSource
	statuses StatusSource
}

func NewBuilder(dropSource DropSource, statusSource StatusSource) (*Builder, error) {
	if dropSource == nil || statusSource == nil {
		return nil, fmt.Errorf("feed: drop and status sources are required")
	}
	return &Builder{drops: dropSource, statuses: statusSource}, nil
}

// Load fetches the whole feed and resolves each item against the ledger and policy.
func (b *Builder) Load(ctx context.Context, userID drops.UserID, policy gate.Policy) ([]Item, error) {
	visible, err := b.drops.VisibleDrops(ctx, userID)
	if err != nil {
		return nil, err
	}
	statuses, err := b.statuses.ListForUser(ctx, userID.String())
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(visible))
	for _, entry := range visible {
		stored, found := statuses[entry.Drop.DropID]
		items = append(items, Item{
			Drop:         entry.Drop,
			AuthorHandle: entry.AuthorHandle,
			AutoPrint:    entry.AutoPrint,
			Status:       Resolve(stored, found, policy),
		})
	}
	return items, nil
}

// Queued returns the queued items in feed order.
func Queued(items []Item) []Item {
	var queued []Item
	for _, item := range items {
		if item.Status == ledger.StatusQueued {
			queued = append(queued, item)
		}
	}
	return queued
}
