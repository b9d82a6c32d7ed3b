package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func TestLoggingUnary_Passthrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()

	ctx = peer.NewContext(ctx, &peer.Peer{Addr: fakeAddr{}})

	h := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/chatsync.v1.Test/Method"}

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s, _ := resp.(string); s != "ok" {
		t.Fatalf("resp mismatch: %v", resp)
	}

	wantErr := errors.New("boom")
	hErr := func(ctx context.Context, req any) (any, error) { return nil, wantErr }
	_, err = ic(ctx, "req", info, hErr)
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := RecoverUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/chatsync.v1.Test/Panic"}

	panicH := func(ctx context.Context, req any) (any, error) {
		panic("oh no")
	}

	_, err := ic(ctx, "req", info, panicH)
	if err == nil {
		t.Fatalf("expected error from panic")
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}
}

func TestRecoverUnary_NoPanicPassThrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := RecoverUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/chatsync.v1.Test/Ok"}

	h := func(ctx context.Context, req any) (any, error) { return 42, nil }

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if resp.(int) != 42 {
		t.Fatalf("resp mismatch: %v", resp)
	}
}

func TestLoggingUnary_DurationFieldDoesNotBlock(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/chatsync.v1.Test/Sleep"}
	h := func(ctx context.Context, req any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	}

	start := time.Now()
	resp, err := ic(ctx, "req", info, h)
	if err != nil || resp.(string) != "done" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("duration should reflect handler time")
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestRecoverStream_CatchesPanic(t *testing.T) {
	t.Parallel()

	ic := RecoverStream(zaptest.NewLogger(t))
	info := &grpc.StreamServerInfo{FullMethod: "/chatsync.v1.ChatSync/Subscribe"}
	err := ic(nil, &fakeStream{ctx: context.Background()}, info, func(any, grpc.ServerStream) error {
		panic("oh no")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ic := AuthUnary(key)
	var seen string
	h := func(ctx context.Context, req any) (any, error) {
		seen, _ = UserIDFromCtx(ctx)
		return "ok", nil
	}

	// health checks stay open
	if _, err := ic(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, h); err != nil {
		t.Fatalf("health must not require auth: %v", err)
	}

	info := &grpc.UnaryServerInfo{FullMethod: "/chatsync.v1.ChatSync/Append"}
	if _, err := ic(context.Background(), nil, info, h); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}
	if _, err := ic(ctxAuth("not-a-jwt"), nil, info, h); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated for garbage token, got %v", err)
	}
	if _, err := ic(ctxAuth(token(t, key, "alice")), nil, info, h); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if seen != "alice" {
		t.Fatalf("user not propagated: %q", seen)
	}
}

func TestAuthStream_WrapsContext(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	ic := AuthStream(key)
	info := &grpc.StreamServerInfo{FullMethod: "/chatsync.v1.ChatSync/Subscribe"}

	err := ic(nil, &fakeStream{ctx: context.Background()}, info, func(any, grpc.ServerStream) error { return nil })
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}

	var seen string
	err = ic(nil, &fakeStream{ctx: ctxAuth(token(t, key, "bob"))}, info, func(_ any, ss grpc.ServerStream) error {
		seen, _ = UserIDFromCtx(ss.Context())
		return nil
	})
	if err != nil || seen != "bob" {
		t.Fatalf("err=%v seen=%q", err, seen)
	}
}

func Test_bearerTokenFromMD(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo", "authorization", "  bearer   abc.def.ghi "))
	if got, ok := bearerTokenFromMD(ctx); !ok || got != "abc.def.ghi" {
		t.Fatalf("got=%q ok=%v", got, ok)
	}
	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, ok := bearerTokenFromMD(ctx); ok {
		t.Fatalf("want miss on empty token")
	}
	if _, ok := bearerTokenFromMD(context.Background()); ok {
		t.Fatalf("want miss on no metadata")
	}
}
