// Package state keeps the client's local key-value scalars: the selected output device,
// the delivery policy and the last fired gate occurrence.
package state

import (
	"context"
	"errors"
	"strings"

	"github.com/iggafy/dropaline-sub000/internal/gate"
)

const (
	keyDevice   = "device"
	keyPolicy   = "policy"
	keyLastGate = "last_gate"
)

var errEmptyKey = errors.New("state: key is required")

// Store is a durable string map. Swap must be atomic: concurrent swaps of one key each
// observe a distinct previous value.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Swap(ctx context.Context, key, value string) (string, error)
}

// Settings scopes a Store to one user.
type Settings struct {
	store  Store
	userID string
}

func NewSettings(store Store, userID string) *Settings {
	return &Settings{store: store, userID: strings.TrimSpace(userID)}
}

func (s *Settings) key(name string) string {
	return "user:" + s.userID + ":" + name
}

// Device returns the last selected output device, or "" when none was chosen.
func (s *Settings) Device(ctx context.Context) (string, error) {
	value, _, err := s.store.Get(ctx, s.key(keyDevice))
	return value, err
}

func (s *Settings) SetDevice(ctx context.Context, device string) error {
	return s.store.Set(ctx, s.key(keyDevice), strings.TrimSpace(device))
}

// Policy returns the stored delivery policy. A missing value is instant. A stored value
// that no longer parses is returned with its parse error so callers can fall back.
func (s *Settings) Policy(ctx context.Context) (gate.Policy, error) {
	value, found, err := s.store.Get(ctx, s.key(keyPolicy))
	if err != nil {
		return gate.Policy{}, err
	}
	if !found {
		return gate.Instant(), nil
	}
	return gate.ParsePolicy(value)
}

func (s *Settings) SetPolicy(ctx context.Context, policy gate.Policy) error {
	return s.store.Set(ctx, s.key(keyPolicy), policy.String())
}

// LastGate returns the id of the most recently fired gate occurrence.
func (s *Settings) LastGate(ctx context.Context) (string, error) {
	value, _, err := s.store.Get(ctx, s.key(keyLastGate))
	return value, err
}

// ClaimGate records gateID as the last fired occurrence and reports whether this caller
// won it. A caller that finds gateID already recorded loses and must not fire.
func (s *Settings) ClaimGate(ctx context.Context, gateID string) (bool, error) {
	if strings.TrimSpace(gateID) == "" {
		return false, errEmptyKey
	}
	previous, err := s.store.Swap(ctx, s.key(keyLastGate), gateID)
	if err != nil {
		return false, err
	}
	return previous != gateID, nil
}
