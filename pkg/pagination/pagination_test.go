package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCursorRoundTripIsURLSafe(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC), ID: uuid.New()}
	token := EncodeCursor(in)
	if url.QueryEscape(token) != token {
		t.Fatalf("cursor %q needs escaping", token)
	}
	out, err := ParseCursor(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || out.ID != in.ID {
		t.Fatalf("got %+v want %+v", out, in)
	}
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	cases := []string{"%%%", "bm8tc2VwYXJhdG9y", EncodeCursor(Cursor{}) + "x"}
	for _, c := range cases {
		if _, err := ParseCursor(c); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("cursor %q: expected ErrInvalidCursor, got %v", c, err)
		}
	}
	if c, err := ParseCursor("  "); c != nil || err != nil {
		t.Fatalf("blank cursor should mean first page, got %v %v", c, err)
	}
}

func TestNormalizeLimit(t *testing.T) {
	for in, want := range map[int]int{0: DefaultLimit, -4: DefaultLimit, 7: 7, MaxLimit + 1: MaxLimit} {
		if got := NormalizeLimit(in); got != want {
			t.Fatalf("NormalizeLimit(%d) = %d, want %d", in, got, want)
		}
	}
	if LimitWithBuffer(10) != 11 {
		t.Fatalf("expected buffer of one row")
	}
}

func TestSplit(t *testing.T) {
	rows := []int{1, 2, 3}
	page, last := Split(rows, 2)
	if len(page) != 2 || last == nil || *last != 2 {
		t.Fatalf("unexpected split %v %v", page, last)
	}
	page, last = Split(rows, 3)
	if len(page) != 3 || last != nil {
		t.Fatalf("full page should not report a next row")
	}
}
