package instance

import "testing"

func TestGetIDPrefersExplicitInstanceID(t *testing.T) {
	t.Setenv("BILLING_INSTANCE_ID", "billing-7")
	t.Setenv("DYNO", "web.1")
	if got := GetID(); got != "billing-7" {
		t.Fatalf("expected explicit id, got %s", got)
	}
}

func TestGetIDFallsBack(t *testing.T) {
	t.Setenv("BILLING_INSTANCE_ID", "")
	t.Setenv("DYNO", "")
	t.Setenv("HOSTNAME", "")
	if got := GetID(); got != "local" {
		t.Fatalf("expected local fallback, got %s", got)
	}
}
