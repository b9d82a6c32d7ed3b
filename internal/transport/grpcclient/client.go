// Package grpcclient implements transport.Transport over the chatsync gRPC API.
package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/chatsync/internal/convert"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/outbox"
	"github.com/and161185/chatsync/internal/rpc"
	"github.com/and161185/chatsync/internal/transport"
)

// Options configure Dial.
type Options struct {
	Token      string // bearer JWT
	CAFile     string // PEM roots; system roots when empty
	SkipVerify bool   // dev only
	Plaintext  bool   // no TLS at all, dev only
}

type bearerCreds struct {
	token string
	tls   bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.tls }

func loadTLS(o Options) (credentials.TransportCredentials, error) {
	if o.Plaintext {
		return insecure.NewCredentials(), nil
	}
	if o.SkipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if o.CAFile == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// Client is a transport bound to one authenticated user.
type Client struct {
	cc  *grpc.ClientConn
	api *rpc.ChatSyncClient
}

var _ transport.Transport = (*Client)(nil)

// Dial creates a lazily connecting client for addr.
func Dial(addr string, o Options, extra ...grpc.DialOption) (*Client, error) {
	creds, err := loadTLS(o)
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if o.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: o.Token, tls: !o.Plaintext}))
	}
	cc, err := grpc.NewClient(addr, append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, api: rpc.NewChatSyncClient(cc)}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.cc.Close() }

// Connectivity reports the connection state to an outbox runner.
func (c *Client) Connectivity() outbox.Connectivity { return connState{cc: c.cc} }

// Append implements transport.Transport.
func (c *Client) Append(ctx context.Context, ev event.Event) (event.Event, bool, error) {
	in, err := convert.EncodeEvent(ev)
	if err != nil {
		return event.Event{}, false, fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	out, err := c.api.Append(ctx, in)
	if err != nil {
		return event.Event{}, false, fromStatus(err)
	}
	var r convert.AppendReply
	if err := convert.Decode(out, &r); err != nil {
		return event.Event{}, false, err
	}
	return r.Event, r.Deduped, nil
}

// ListAfter implements transport.Transport.
func (c *Client) ListAfter(ctx context.Context, chatID string, after int64, limit int) (transport.Page, error) {
	in, err := convert.Encode(convert.ListAfterQuery{ChatID: chatID, After: after, Limit: limit})
	if err != nil {
		return transport.Page{}, err
	}
	out, err := c.api.ListAfter(ctx, in)
	if err != nil {
		return transport.Page{}, fromStatus(err)
	}
	var r convert.ListAfterReply
	if err := convert.Decode(out, &r); err != nil {
		return transport.Page{}, err
	}
	return transport.Page{Events: r.Events, NextServerSeq: r.NextServerSeq}, nil
}

// Stream implements transport.Transport. A server-side close surfaces as errs.ErrNetwork.
func (c *Client) Stream(ctx context.Context, chatID string, after int64, fn func(event.Event) error) error {
	in, err := convert.Encode(convert.SubscribeQuery{ChatID: chatID, After: after})
	if err != nil {
		return err
	}
	stream, err := c.api.Subscribe(ctx, in)
	if err != nil {
		return fromStatus(err)
	}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: stream closed by server", errs.ErrNetwork)
		}
		if err != nil {
			return fromStatus(err)
		}
		ev, err := convert.DecodeEvent(msg)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// fromStatus maps gRPC codes back onto domain sentinels so callers can classify.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", errs.ErrNetwork, err)
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = errs.ErrValidation
	case codes.PermissionDenied:
		sentinel = errs.ErrPermission
	case codes.Unauthenticated:
		sentinel = errs.ErrUnauthorized
	case codes.NotFound:
		sentinel = errs.ErrNotFound
	case codes.Aborted, codes.AlreadyExists:
		sentinel = errs.ErrConflict
	case codes.Internal, codes.DataLoss:
		sentinel = errs.ErrStorage
	case codes.Canceled:
		return fmt.Errorf("%w: %w", context.Canceled, err)
	default:
		sentinel = errs.ErrNetwork
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

type connState struct{ cc *grpc.ClientConn }

func (c connState) Online() bool {
	switch c.cc.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	}
	return true
}

func (c connState) WaitOnline(ctx context.Context) error {
	for {
		s := c.cc.GetState()
		if s == connectivity.Shutdown {
			return fmt.Errorf("%w: connection closed", errs.ErrNetwork)
		}
		if s != connectivity.TransientFailure {
			return nil
		}
		c.cc.Connect()
		if !c.cc.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}
