package cron

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type memoryRedis struct {
	values map[string]string
}

func (m *memoryRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	return true, nil
}

func (m *memoryRedis) Get(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryRedis) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func TestRedisLockIsExclusive(t *testing.T) {
	store := &memoryRedis{values: map[string]string{}}
	a, err := NewRedisLock(store, "billing:lock:cron", time.Minute, "worker-a")
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	b, _ := NewRedisLock(store, "billing:lock:cron", time.Minute, "worker-b")
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatalf("expected a to acquire")
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatalf("expected b to be refused while a holds the lock")
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if _, held := store.values["billing:lock:cron"]; !held {
		t.Fatalf("non-holder release must not clear the lock")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatalf("expected b to acquire after release")
	}
}

func TestRedisLockDoesNotDeleteRetakenLock(t *testing.T) {
	store := &memoryRedis{values: map[string]string{}}
	a, _ := NewRedisLock(store, "k", time.Minute, "worker-a")
	ctx := context.Background()
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatalf("expected acquire")
	}
	// Simulate expiry and another instance taking over.
	store.values["k"] = "worker-b:other"

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values["k"] != "worker-b:other" {
		t.Fatalf("expected the new holder's lock to survive")
	}
}

func TestNewRedisLockValidates(t *testing.T) {
	if _, err := NewRedisLock(nil, "k", 0, ""); err == nil {
		t.Fatalf("expected client required")
	}
	if _, err := NewRedisLock(&memoryRedis{}, "", 0, ""); err == nil {
		t.Fatalf("expected key required")
	}
	lock, err := NewRedisLock(&memoryRedis{}, "k", 0, "")
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	if lock.ttl != defaultLockTTL {
		t.Fatalf("expected default ttl, got %s", lock.ttl)
	}
}
