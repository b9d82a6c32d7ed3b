package grpcserver

import (
	"context"
)

type ctxKey string

const userIDKey ctxKey = "chatsync.userID"

// WithUserID stores authenticated user ID in context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromCtx fetches user ID from context.
func UserIDFromCtx(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}
