package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/event"
)

// Mode is the delivery state of a Subscription.
type Mode int

const (
	ModeStream Mode = iota
	ModePoll
)

func (m Mode) String() string {
	if m == ModePoll {
		return "poll"
	}
	return "stream"
}

// SubscribeOptions tune a Subscription. Zero values take the defaults.
type SubscribeOptions struct {
	PollMin   time.Duration // default 1.2s
	PollMax   time.Duration // default 30s
	PageLimit int           // default 200
	Logger    *zap.Logger
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.PollMin <= 0 {
		o.PollMin = 1200 * time.Millisecond
	}
	if o.PollMax <= 0 {
		o.PollMax = 30 * time.Second
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 200
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Subscription delivers events of one chat, first over a live stream and, once the
// stream fails, by polling ListAfter. It never returns to streaming.
type Subscription struct {
	t      Transport
	chatID string
	fn     func(event.Event)
	opts   SubscribeOptions
	log    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	mode   Mode
	cursor int64
}

// Subscribe starts delivering events of chatID after the cursor to fn. fn runs on the
// subscription goroutine. Close stops delivery.
func Subscribe(ctx context.Context, t Transport, chatID string, after int64, fn func(event.Event), opts SubscribeOptions) *Subscription {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		t:      t,
		chatID: chatID,
		fn:     fn,
		opts:   opts,
		log:    opts.Logger.Named("subscription").With(zap.String("chat_id", chatID)),
		cancel: cancel,
		done:   make(chan struct{}),
		cursor: after,
	}
	go s.run(ctx)
	return s
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Mode reports the current delivery state.
func (s *Subscription) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Cursor returns the highest delivered serverSeq.
func (s *Subscription) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Subscription) deliver(ev event.Event) {
	s.mu.Lock()
	if ev.ServerSeq > s.cursor {
		s.cursor = ev.ServerSeq
	}
	s.mu.Unlock()
	s.fn(ev)
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	err := s.t.Stream(ctx, s.chatID, s.Cursor(), func(ev event.Event) error {
		s.deliver(ev)
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	s.log.Info("stream ended, switching to polling", zap.Error(err))
	s.mu.Lock()
	s.mode = ModePoll
	s.mu.Unlock()
	s.poll(ctx)
}

func (s *Subscription) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(s.opts.PollMax, retry.NewExponential(s.opts.PollMin))
}

func (s *Subscription) poll(ctx context.Context) {
	backoff := s.newBackoff()
	for {
		got := 0
		for {
			page, err := s.t.ListAfter(ctx, s.chatID, s.Cursor(), s.opts.PageLimit)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Debug("poll failed", zap.Error(err))
				break
			}
			for _, ev := range page.Events {
				s.deliver(ev)
			}
			got += len(page.Events)
			if len(page.Events) < s.opts.PageLimit {
				break
			}
		}
		if got > 0 {
			backoff = s.newBackoff()
		}
		wait, _ := backoff.Next()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
