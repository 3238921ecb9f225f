package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/recurring-billing/pkg/redis"
)

// ReplayGuard drops byte-identical redeliveries that arrive while the first
// copy is still being handled or was just handled.
type ReplayGuard struct {
	store redis.ReplayStore
	ttl   time.Duration
	scope string
}

func NewReplayGuard(store redis.ReplayStore, ttl time.Duration, scope string) (*ReplayGuard, error) {
	if store == nil {
		return nil, errors.New("replay store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &ReplayGuard{store: store, ttl: ttl, scope: scope}, nil
}

// Seen marks deliveryID and reports whether it was already marked.
func (g *ReplayGuard) Seen(ctx context.Context, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return false, errors.New("delivery id is required")
	}
	set, err := g.store.SetNX(ctx, g.store.ReplayKey(g.scope, deliveryID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set replay key: %w", err)
	}
	return !set, nil
}

// Forget clears the marker so a redelivery after a failure is processed.
func (g *ReplayGuard) Forget(ctx context.Context, deliveryID string) error {
	if deliveryID == "" {
		return errors.New("delivery id is required")
	}
	return g.store.Del(ctx, g.store.ReplayKey(g.scope, deliveryID))
}

// DeliveryID derives a stable id for a raw delivery body.
func DeliveryID(raw []byte) string {
	return digest(raw)
}
