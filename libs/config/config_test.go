package config

import (
	"testing"
	"time"
)

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "8080")
	if got, err := Port("TEST_PORT", "1"); err != nil || got != "8080" {
		t.Fatalf("expected 8080, got %q (%v)", got, err)
	}
	t.Setenv("TEST_PORT", "99999")
	if _, err := Port("TEST_PORT", "1"); err == nil {
		t.Fatalf("expected error for out of range port")
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("TEST_INTERVAL", "")
	if got, _ := Duration("TEST_INTERVAL", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
	t.Setenv("TEST_INTERVAL", "30")
	if got, _ := Duration("TEST_INTERVAL", time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	t.Setenv("TEST_INTERVAL", "2m")
	if got, _ := Duration("TEST_INTERVAL", time.Minute); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	t.Setenv("TEST_INTERVAL", "soon")
	if _, err := Duration("TEST_INTERVAL", time.Minute); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestIntBoolList(t *testing.T) {
	t.Setenv("TEST_BATCH", "25")
	if n, err := Int("TEST_BATCH", 10); err != nil || n != 25 {
		t.Fatalf("expected 25, got %d (%v)", n, err)
	}
	t.Setenv("TEST_BATCH", "x")
	if _, err := Int("TEST_BATCH", 10); err == nil {
		t.Fatalf("expected error")
	}

	t.Setenv("TEST_FLAG", "YES")
	if !Bool("TEST_FLAG", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("TEST_FLAG", "")
	if !Bool("TEST_FLAG", true) {
		t.Fatalf("expected fallback true")
	}

	t.Setenv("TEST_LIST", " a, ,b ,")
	got := List("TEST_LIST")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected list %v", got)
	}
}
