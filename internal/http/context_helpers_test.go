package httpx

import (
	"context"
	"testing"
)

func TestOwnerContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := OwnerFromContext(ctx); ok {
		t.Fatal("expected no owner on empty context")
	}

	if got := SetOwnerInContext(ctx, 0); got != ctx {
		t.Fatal("expected zero owner to leave context unchanged")
	}

	id, ok := OwnerFromContext(SetOwnerInContext(ctx, 42))
	if !ok || id != 42 {
		t.Fatalf("OwnerFromContext = (%d, %v), want (42, true)", id, ok)
	}
}
