package etlerr

import (
	"context"
	"errors"
	"testing"
)

func TestDatabaseKeepsCause(t *testing.T) {
	err := Database("insert events", context.DeadlineExceeded)
	if !errors.Is(err, ErrDatabase) {
		t.Fatalf("expected ErrDatabase, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if got, want := err.Error(), "database error: insert events: context deadline exceeded"; got != want {
		t.Fatalf("message mismatch: %q != %q", got, want)
	}
}

func TestDatabaseNil(t *testing.T) {
	if err := Database("noop", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestDatabaseNoDoubleTag(t *testing.T) {
	inner := Database("ping", errors.New("refused"))
	outer := Database("connect", inner)
	if got, want := outer.Error(), "connect: database error: ping: refused"; got != want {
		t.Fatalf("message mismatch: %q != %q", got, want)
	}
}

func TestCategories(t *testing.T) {
	if !errors.Is(Parse("missing %s", "blockTime"), ErrParse) {
		t.Fatalf("expected ErrParse")
	}
	if !errors.Is(Config("bad"), ErrConfig) {
		t.Fatalf("expected ErrConfig")
	}
	if errors.Is(Parse("x"), ErrConfig) {
		t.Fatalf("categories must not overlap")
	}
}
