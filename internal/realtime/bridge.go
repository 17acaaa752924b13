package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBridgeClosed  = errors.New("realtime: bridge closed")
	ErrMissingViewer = errors.New("realtime: viewer required")
	ErrMissingFetch  = errors.New("realtime: fetch function required")
	ErrMissingSink   = errors.New("realtime: sink required")
)

// FetchFunc loads the authoritative snapshot for a viewer.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Update is a refetched snapshot tagged with the viewer's refetch sequence.
type Update[T any] struct {
	Seq      uint64
	Snapshot T
}

// SinkFunc receives snapshots in strictly increasing sequence order.
type SinkFunc[T any] func(update Update[T])

const (
	maxWaitDebounceFactor = 8
	minMaxWait            = 500 * time.Millisecond
)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Feed     *Feed
	Debounce time.Duration
	// MaxWait bounds how long a change may go unreflected while events keep arriving.
	// Zero derives it from Debounce.
	MaxWait time.Duration
	Logger  *zap.Logger
}

// Bridge keeps at most one live subscription per viewer and turns change events into debounced refetches.
type Bridge[T any] struct {
	feed     *Feed
	debounce time.Duration
	maxWait  time.Duration
	logger   *zap.Logger

	attachMu sync.Mutex
	sessions map[string]*bridgeSession
	closed   bool
}

type bridgeSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *bridgeSession) stop() {
	s.cancel()
	<-s.done
}

// NewBridge constructs a Bridge over feed.
func NewBridge[T any](cfg BridgeConfig) *Bridge[T] {
	feed := cfg.Feed
	if feed == nil {
		feed = NewFeed()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.Debounce
	if debounce < 0 {
		debounce = 0
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = max(maxWaitDebounceFactor*debounce, minMaxWait)
	}
	return &Bridge[T]{
		feed:     feed,
		debounce: debounce,
		maxWait:  maxWait,
		logger:   logger,
		sessions: make(map[string]*bridgeSession),
	}
}

// Subscription is one viewer's live attachment to the bridge.
type Subscription struct {
	done  <-chan struct{}
	close func()
}

// Done is closed once the subscription's refetch loop has exited, whether through
// Close, Detach, a replacing Attach or the parent context ending.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches this subscription only.
func (s *Subscription) Close() { s.close() }

// Attach replaces the viewer's subscription. The prior subscription, if any, is fully stopped first.
// An initial refetch is scheduled immediately; the returned func detaches this subscription only.
func (b *Bridge[T]) Attach(ctx context.Context, viewer string, filters []Filter, fetch FetchFunc[T], sink SinkFunc[T]) (func(), error) {
	subscription, err := b.Subscribe(ctx, viewer, filters, fetch, sink)
	if err != nil {
		return nil, err
	}
	return subscription.Close, nil
}

// Subscribe is Attach returning the full subscription handle.
func (b *Bridge[T]) Subscribe(ctx context.Context, viewer string, filters []Filter, fetch FetchFunc[T], sink SinkFunc[T]) (*Subscription, error) {
	if viewer == "" {
		return nil, ErrMissingViewer
	}
	if fetch == nil {
		return nil, ErrMissingFetch
	}
	if sink == nil {
		return nil, ErrMissingSink
	}

	b.attachMu.Lock()
	defer b.attachMu.Unlock()
	if b.closed {
		return nil, ErrBridgeClosed
	}
	if previous, ok := b.sessions[viewer]; ok {
		delete(b.sessions, viewer)
		previous.stop()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe := b.feed.Subscribe(sessionCtx, filters...)
	session := &bridgeSession{cancel: cancel, done: make(chan struct{})}
	b.sessions[viewer] = session

	runner := &refetchLoop[T]{
		viewer:   viewer,
		debounce: b.debounce,
		maxWait:  b.maxWait,
		fetch:    fetch,
		sink:     sink,
		logger:   b.logger,
	}
	go func() {
		defer close(session.done)
		defer unsubscribe()
		runner.run(sessionCtx, events)
	}()

	detach := func() {
		b.attachMu.Lock()
		if current, ok := b.sessions[viewer]; ok && current == session {
			delete(b.sessions, viewer)
		}
		b.attachMu.Unlock()
		session.stop()
	}
	return &Subscription{done: session.done, close: detach}, nil
}

// Detach stops the viewer's subscription and waits for its loop to exit.
func (b *Bridge[T]) Detach(viewer string) {
	b.attachMu.Lock()
	session, ok := b.sessions[viewer]
	if ok {
		delete(b.sessions, viewer)
	}
	b.attachMu.Unlock()
	if ok {
		session.stop()
	}
}

// Attached reports whether viewer holds a live subscription.
func (b *Bridge[T]) Attached(viewer string) bool {
	b.attachMu.Lock()
	session, ok := b.sessions[viewer]
	b.attachMu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-session.done:
		return false
	default:
		return true
	}
}

// Close stops every subscription and rejects further attaches.
func (b *Bridge[T]) Close() {
	b.attachMu.Lock()
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]*bridgeSession)
	b.attachMu.Unlock()
	for _, session := range sessions {
		session.stop()
	}
}

type refetchLoop[T any] struct {
	viewer   string
	debounce time.Duration
	maxWait  time.Duration
	fetch    FetchFunc[T]
	sink     SinkFunc[T]
	logger   *zap.Logger
}

type refetchResult[T any] struct {
	seq      uint64
	snapshot T
	err      error
}

// run serializes refetches for one viewer. Events debounce to the latest and cancel the
// refetch in flight, until the oldest undelivered change is maxWait old: from then on the
// in-flight refetch is left to land and one more is queued behind it.
func (l *refetchLoop[T]) run(ctx context.Context, events <-chan ChangeEvent) {
	var (
		seq            uint64
		delivered      uint64
		inflightSeq    uint64
		inflightCancel context.CancelFunc
		// staleSince is when the oldest change missing from the delivered snapshot arrived.
		staleSince time.Time
		// changedSince is when the first change after the in-flight refetch started arrived.
		changedSince time.Time
		queued       bool
		wg           sync.WaitGroup
	)
	results := make(chan refetchResult[T])
	timer := time.NewTimer(0)
	timerActive := true

	cancelInflight := func() {
		if inflightCancel != nil {
			inflightCancel()
			inflightCancel = nil
		}
		inflightSeq = 0
	}
	schedule := func(delay time.Duration) {
		timer.Reset(delay)
		timerActive = true
	}
	startFetch := func() {
		seq++
		fetchCtx, cancel := context.WithCancel(ctx)
		inflightSeq = seq
		inflightCancel = cancel
		changedSince = time.Time{}
		wg.Add(1)
		go func(current uint64) {
			defer wg.Done()
			snapshot, err := l.fetch(fetchCtx)
			select {
			case results <- refetchResult[T]{seq: current, snapshot: snapshot, err: err}:
			case <-ctx.Done():
			}
		}(seq)
	}
	defer func() {
		cancelInflight()
		timer.Stop()
		wg.Wait()
	}()

	for {
		var timerC <-chan time.Time
		if timerActive {
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			now := time.Now()
			if staleSince.IsZero() {
				staleSince = now
			}
			if inflightCancel != nil && changedSince.IsZero() {
				changedSince = now
			}
			waited := now.Sub(staleSince)
			if waited >= l.maxWait {
				if inflightCancel != nil {
					queued = true
				} else {
					schedule(0)
				}
				continue
			}
			// Newer data exists; whatever is in flight can no longer be the latest.
			cancelInflight()
			schedule(min(l.debounce, l.maxWait-waited))
		case <-timerC:
			timerActive = false
			if inflightCancel != nil {
				queued = true
				continue
			}
			startFetch()
		case result := <-results:
			if result.seq != inflightSeq || result.seq <= delivered {
				continue
			}
			inflightCancel()
			inflightCancel = nil
			inflightSeq = 0
			if result.err != nil {
				if !errors.Is(result.err, context.Canceled) {
					l.logger.Warn("realtime refetch failed",
						zap.String("viewer_id", l.viewer),
						zap.Uint64("seq", result.seq),
						zap.Error(result.err))
				}
			} else {
				delivered = result.seq
				staleSince = changedSince
				l.sink(Update[T]{Seq: result.seq, Snapshot: result.snapshot})
			}
			if queued {
				queued = false
				schedule(0)
			}
		}
	}
}
