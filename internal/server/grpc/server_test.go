package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/chatsync/internal/acl"
	"github.com/and161185/chatsync/internal/auth"
	"github.com/and161185/chatsync/internal/convert"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/repository/memory"
	"github.com/and161185/chatsync/internal/rpc"
	"github.com/and161185/chatsync/internal/service"
)

const bufSize = 1 << 20

var signKey = []byte("test-secret")

func token(t *testing.T, key []byte, sub string) string {
	t.Helper()
	tok, _, err := auth.Issue(key, sub, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func ctxAuth(tok string) context.Context {
	return metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+tok))
}

func outgoing(t *testing.T, sub string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token(t, signKey, sub))
}

func startBufGRPC(t *testing.T, events service.EventService) *rpc.ChatSyncClient {
	t.Helper()
	log := zaptest.NewLogger(t)
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(Interceptors(log, signKey)...)
	New(events, log).Register(gs)
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return rpc.NewChatSyncClient(cc)
}

func newSoR(policy acl.Policy) *service.SoR {
	return service.NewSoR(memory.NewEventRepo(), policy)
}

func wire(t *testing.T, op, author string) *structpb.Struct {
	t.Helper()
	s, err := convert.EncodeEvent(event.Event{
		OpID: op, ChatID: "c", MessageID: "m-" + op, AuthorID: author, ClientID: "dev",
		ClientTime: time.Now().UnixMilli(), Body: event.Create{Text: "hello " + op},
	})
	require.NoError(t, err)
	return s
}

func appendReply(t *testing.T, s *structpb.Struct) convert.AppendReply {
	t.Helper()
	var r convert.AppendReply
	require.NoError(t, convert.Decode(s, &r))
	return r
}

func TestServer_AppendAndDedupe(t *testing.T) {
	t.Parallel()
	cl := startBufGRPC(t, newSoR(acl.AllowAll{}))
	ctx := outgoing(t, "alice")

	first, err := cl.Append(ctx, wire(t, "op1", "alice"))
	require.NoError(t, err)
	r1 := appendReply(t, first)
	require.False(t, r1.Deduped)
	require.Equal(t, int64(1), r1.Event.ServerSeq)
	require.Equal(t, "hello op1", r1.Event.Text())

	again, err := cl.Append(ctx, wire(t, "op1", "alice"))
	require.NoError(t, err)
	r2 := appendReply(t, again)
	require.True(t, r2.Deduped)
	require.Equal(t, r1.Event.ServerSeq, r2.Event.ServerSeq)
}

func TestServer_AppendRejects(t *testing.T) {
	t.Parallel()
	cl := startBufGRPC(t, newSoR(acl.NewDenyList(nil, []string{"c"})))

	_, err := cl.Append(context.Background(), wire(t, "op1", "alice"))
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = cl.Append(outgoing(t, "mallory"), wire(t, "op1", "alice"))
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	bad := wire(t, "op2", "alice")
	delete(bad.Fields, "messageId")
	_, err = cl.Append(outgoing(t, "alice"), bad)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "messageId")

	// the deny list blocks chat c
	_, err = cl.Append(outgoing(t, "alice"), wire(t, "op3", "alice"))
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestServer_ListAfterPages(t *testing.T) {
	t.Parallel()
	cl := startBufGRPC(t, newSoR(acl.AllowAll{}))
	ctx := outgoing(t, "alice")

	for _, op := range []string{"a", "b", "c"} {
		_, err := cl.Append(ctx, wire(t, op, "alice"))
		require.NoError(t, err)
	}

	q, err := convert.Encode(convert.ListAfterQuery{ChatID: "c", After: 1, Limit: 1})
	require.NoError(t, err)
	resp, err := cl.ListAfter(ctx, q)
	require.NoError(t, err)

	var page convert.ListAfterReply
	require.NoError(t, convert.Decode(resp, &page))
	require.Len(t, page.Events, 1)
	require.Equal(t, int64(2), page.Events[0].ServerSeq)
	require.Equal(t, int64(2), page.NextServerSeq)
}

func TestServer_SubscribeCatchUpThenLive(t *testing.T) {
	t.Parallel()
	sor := newSoR(acl.AllowAll{})
	cl := startBufGRPC(t, sor)
	ctx, cancel := context.WithTimeout(outgoing(t, "bob"), 5*time.Second)
	defer cancel()

	_, err := cl.Append(outgoing(t, "alice"), wire(t, "a", "alice"))
	require.NoError(t, err)

	q, err := convert.Encode(convert.SubscribeQuery{ChatID: "c"})
	require.NoError(t, err)
	stream, err := cl.Subscribe(ctx, q)
	require.NoError(t, err)

	msg, err := stream.Recv()
	require.NoError(t, err)
	ev, err := convert.DecodeEvent(msg)
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.ServerSeq)

	_, err = cl.Append(outgoing(t, "alice"), wire(t, "b", "alice"))
	require.NoError(t, err)

	msg, err = stream.Recv()
	require.NoError(t, err)
	ev, err = convert.DecodeEvent(msg)
	require.NoError(t, err)
	require.Equal(t, int64(2), ev.ServerSeq)
	require.Equal(t, "m-b", ev.MessageID)
}

func TestServer_SubscribeRequiresRead(t *testing.T) {
	t.Parallel()
	cl := startBufGRPC(t, newSoR(acl.NewDenyList([]string{"eve"}, nil)))

	q, err := convert.Encode(convert.SubscribeQuery{ChatID: "c"})
	require.NoError(t, err)
	stream, err := cl.Subscribe(outgoing(t, "eve"), q)
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Equal(t, codes.PermissionDenied, status.Code(err))
}

func Test_toStatus(t *testing.T) {
	t.Parallel()
	cases := map[error]codes.Code{
		nil:                             codes.OK,
		errs.ErrValidation:              codes.InvalidArgument,
		errs.ErrPermission:              codes.PermissionDenied,
		errs.ErrUnauthorized:            codes.Unauthenticated,
		errs.ErrNotFound:                codes.NotFound,
		errs.ErrConflict:                codes.Aborted,
		service.ErrLagged:               codes.Unavailable,
		errs.ErrStorage:                 codes.Internal,
		context.DeadlineExceeded:        codes.DeadlineExceeded,
		status.Error(codes.NotFound, ""): codes.NotFound,
	}
	for in, want := range cases {
		require.Equal(t, want, status.Code(toStatus(in)), "%v", in)
	}
}
