package grpcserver

import (
	"context"
	"testing"
)

func TestWithUserID_And_UserIDFromCtx(t *testing.T) {
	t.Parallel()

	if id, ok := UserIDFromCtx(context.Background()); ok || id != "" {
		t.Fatalf("expected no user id in empty ctx")
	}

	ctx := WithUserID(context.Background(), "alice")
	got, ok := UserIDFromCtx(ctx)
	if !ok || got != "alice" {
		t.Fatalf("got %q, %v", got, ok)
	}

	if _, ok := UserIDFromCtx(WithUserID(context.Background(), "")); ok {
		t.Fatalf("empty id must not count as authenticated")
	}

	bad := context.WithValue(context.Background(), userIDKey, 42)
	if _, ok := UserIDFromCtx(bad); ok {
		t.Fatalf("expected miss on wrong typed value")
	}
}
