package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/recurring-billing/internal/webhooks"
	"github.com/angelmondragon/recurring-billing/pkg/db/models"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
)

const testSecret = "whsec_test"

func TestGatewayWebhookIngestsAndDropsReplay(t *testing.T) {
	payload := []byte(`{"eventType":"Payment.Successful","transactionId":"sq_1"}`)
	service := &fakeIngester{}
	handler := GatewayWebhook(GatewayWebhookParams{
		Service: service,
		Guard:   newMemoryGuard(),
		Secret:  testSecret,
	})

	rec := deliver(handler, payload, sign(payload, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"result":"applied"`) {
		t.Fatalf("expected result in body, got %s", rec.Body.String())
	}

	rec = deliver(handler, payload, sign(payload, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rec.Code)
	}
	if service.calls != 1 {
		t.Fatalf("replay should not reach the service, got %d calls", service.calls)
	}
	if got := service.lastMeta.IP; got != "192.0.2.1" {
		t.Fatalf("unexpected source ip %q", got)
	}
}

func TestGatewayWebhookRejectsBadSignature(t *testing.T) {
	payload := []byte(`{"eventType":"Payment.Successful","transactionId":"sq_1"}`)
	service := &fakeIngester{}
	handler := GatewayWebhook(GatewayWebhookParams{Service: service, Secret: testSecret})

	for _, sig := range []string{"", "deadbeef", sign(payload, "other-secret")} {
		rec := deliver(handler, payload, sig)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("signature %q: expected 401, got %d", sig, rec.Code)
		}
	}
	if service.calls != 0 {
		t.Fatalf("service should not be invoked on invalid signature")
	}
}

func TestGatewayWebhookTransientFailureAsksForRedelivery(t *testing.T) {
	payload := []byte(`{"eventType":"Payment.Declined","transactionId":"sq_2"}`)
	service := &fakeIngester{err: pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")}
	guard := newMemoryGuard()
	handler := GatewayWebhook(GatewayWebhookParams{Service: service, Guard: guard, Secret: testSecret})

	rec := deliver(handler, payload, sign(payload, testSecret))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	service.err = nil
	rec = deliver(handler, payload, sign(payload, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery should be processed, got %d", rec.Code)
	}
	if service.calls != 2 {
		t.Fatalf("expected both deliveries to reach the service, got %d", service.calls)
	}
}

func TestGatewayWebhookRejectsOversizedBody(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 64)
	service := &fakeIngester{}
	handler := GatewayWebhook(GatewayWebhookParams{Service: service, Secret: testSecret, MaxBodyBytes: 16})

	rec := deliver(handler, payload, sign(payload, testSecret))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if service.calls != 0 {
		t.Fatalf("oversized body must not be ingested")
	}
}

func TestGatewayWebhookRequiresSecret(t *testing.T) {
	payload := []byte(`{}`)
	handler := GatewayWebhook(GatewayWebhookParams{Service: &fakeIngester{}})
	rec := deliver(handler, payload, sign(payload, ""))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without secret, got %d", rec.Code)
	}
}

func deliver(handler http.Handler, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(payload))
	req.RemoteAddr = "192.0.2.1:4431"
	if signature != "" {
		req.Header.Set("X-Gateway-Signature", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type fakeIngester struct {
	calls    int
	err      error
	lastMeta webhooks.SourceMetadata
}

func (f *fakeIngester) Ingest(_ context.Context, _ []byte, meta webhooks.SourceMetadata) (*models.WebhookEvent, error) {
	f.calls++
	f.lastMeta = meta
	if f.err != nil {
		return nil, f.err
	}
	result := enums.WebhookResultApplied
	return &models.WebhookEvent{ID: uuid.New(), Result: &result, ReceivedAt: time.Now()}, nil
}

type memoryGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{seen: map[string]struct{}{}}
}

func (g *memoryGuard) Seen(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[id]; ok {
		return true, nil
	}
	g.seen[id] = struct{}{}
	return false, nil
}

func (g *memoryGuard) Forget(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, id)
	return nil
}
