package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
)

type scheduleBody struct {
	AccountID string `json:"account_id" validate:"required,uuid"`
	Cadence   string `json:"cadence" validate:"required,oneof=monthly annual"`
	Currency  string `json:"currency" validate:"required,len=3"`
}

func TestDecodeJSONBodyReportsFieldsByJSONName(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"account_id":"nope","cadence":"weekly","currency":"US"}`))
	var body scheduleBody
	err := DecodeJSONBody(r, &body)

	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := typed.Details().(map[string]string)
	if !ok {
		t.Fatalf("expected field details, got %T", typed.Details())
	}
	want := map[string]string{
		"account_id": "must be a valid uuid",
		"cadence":    "must be one of monthly annual",
		"currency":   "must be exactly 3 characters",
	}
	for field, msg := range want {
		if details[field] != msg {
			t.Fatalf("field %s: got %q want %q", field, details[field], msg)
		}
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"account_id":"`+uuid.NewString()+`","cadence":"monthly","currency":"USD","extra":1}`))
	var body scheduleBody
	if err := DecodeJSONBody(r, &body); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error for unknown field, got %v", err)
	}
}

func TestParseQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=500&bad=x", nil)
	if v, err := ParseQueryInt(r, "missing", 25, 1, 100); err != nil || v != 25 {
		t.Fatalf("expected default, got %d %v", v, err)
	}
	if _, err := ParseQueryInt(r, "limit", 25, 1, 100); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected out of range error, got %v", err)
	}
	if _, err := ParseQueryInt(r, "bad", 25, 1, 100); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected numeric error, got %v", err)
	}
}

func TestParseQueryString(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?cursor=+abc+&long="+strings.Repeat("x", 10), nil)
	if v, err := ParseQueryString(r, "cursor", 8); err != nil || v != "abc" {
		t.Fatalf("expected trimmed value, got %q %v", v, err)
	}
	if _, err := ParseQueryString(r, "long", 8); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected too long error, got %v", err)
	}
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	rctx.URLParams.Add("bad", "not-a-uuid")
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	if got, err := ParseUUIDParam(r, "id"); err != nil || got != id {
		t.Fatalf("expected %s, got %s %v", id, got, err)
	}
	if _, err := ParseUUIDParam(r, "bad"); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ParseUUIDParam(r, "absent"); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected required error, got %v", err)
	}
}
