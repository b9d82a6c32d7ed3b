package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/crypto/envelope"
	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/local/pebble"
	"github.com/and161185/chatsync/internal/local/sqlite"
	"github.com/and161185/chatsync/internal/outbox"
	"github.com/and161185/chatsync/internal/session"
	"github.com/and161185/chatsync/internal/transport/grpcclient"
)

// app is one opened chat: local store, optional connection and the session on top.
type app struct {
	opts   *RootOptions
	log    *zap.Logger
	store  local.Store
	client *grpcclient.Client
	runner *outbox.Runner
	sess   *session.Session

	userID   string
	deviceID string
}

func dataDir(o *RootOptions) string {
	if o.DataDir != "" {
		return o.DataDir
	}
	return cfgDir()
}

func openStore(o *RootOptions) (local.Store, error) {
	dir := dataDir(o)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	switch o.Backend {
	case backendPebble:
		return pebble.Open(filepath.Join(dir, "pebble"))
	default:
		return sqlite.Open(filepath.Join(dir, "chatsync.db"))
	}
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// resolveUser returns the bearer token and the user it names.
func resolveUser(o *RootOptions) (token, userID string, err error) {
	if o.Token != "" {
		sub, err := subjectOf(o.Token)
		if err != nil {
			return "", "", fmt.Errorf("--token: %w", err)
		}
		return o.Token, sub, nil
	}
	tf, err := loadToken()
	if err != nil {
		return "", "", err
	}
	if tf.UserID == "" {
		if tf.UserID, err = subjectOf(tf.AccessToken); err != nil {
			return "", "", err
		}
	}
	return tf.AccessToken, tf.UserID, nil
}

// openStoreOnly opens the local store for commands that never touch a session.
func openStoreOnly(o *RootOptions) (*app, error) {
	store, err := openStore(o)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &app{opts: o, log: newLogger(o.Verbose), store: store}, nil
}

func openApp(ctx context.Context, o *RootOptions) (*app, error) {
	token, userID, err := resolveUser(o)
	if err != nil {
		return nil, err
	}
	a, err := openStoreOnly(o)
	if err != nil {
		return nil, err
	}
	a.userID = userID
	if a.deviceID, err = session.EnsureDeviceID(ctx, a.store); err != nil {
		a.close()
		return nil, err
	}

	cfg := session.Config{
		ChatID:   o.Chat,
		UserID:   userID,
		ClientID: a.deviceID,
		Store:    a.store,
		Logger:   a.log,
	}
	if o.Passphrase != "" {
		c, err := envelope.New(envelope.KeyFromPassphrase([]byte(o.Passphrase), []byte(o.Chat)))
		if err != nil {
			a.close()
			return nil, err
		}
		cfg.Cipher = c
	}
	if !o.Offline {
		a.client, err = grpcclient.Dial(o.Server, grpcclient.Options{
			Token:      token,
			CAFile:     o.CAFile,
			SkipVerify: o.SkipVerify,
			Plaintext:  o.Plaintext,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("dial %s: %w", o.Server, err)
		}
		a.runner = outbox.NewRunner(a.store, session.Dispatcher(a.client), outbox.Options{
			Connectivity: a.client.Connectivity(),
			Logger:       a.log,
		})
		cfg.Transport = a.client
		cfg.Runner = a.runner
	}
	if a.sess, err = session.New(cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// flush tries to deliver queued items within --wait and returns how many remain.
func (a *app) flush(ctx context.Context) (delivered, pending int, err error) {
	if a.runner != nil && a.opts.Wait > 0 {
		dctx, cancel := context.WithTimeout(ctx, a.opts.Wait)
		delivered, err = a.runner.Drain(dctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
		if err != nil {
			return delivered, 0, err
		}
	}
	pending, err = a.store.Size(ctx)
	return delivered, pending, err
}

func (a *app) close() {
	if a.sess != nil {
		a.sess.Stop()
	}
	if a.runner != nil {
		a.runner.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close local store", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
