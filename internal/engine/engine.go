// Package engine runs one feed session: it owns the feed list for the active
// filter and keeps it consistent while pages, push events and the viewer's
// own actions arrive concurrently.
//
// All list state is owned by a single loop goroutine that drains a bounded
// mailbox. Fetches, mutation round trips and the push channel run elsewhere
// and post their results back to the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gauthierbraillon/feedsync/internal/api"
	"github.com/gauthierbraillon/feedsync/internal/clock"
	"github.com/gauthierbraillon/feedsync/internal/cursor"
	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/internal/normalize"
	"github.com/gauthierbraillon/feedsync/internal/optimistic"
	"github.com/gauthierbraillon/feedsync/internal/reconcile"
	"github.com/gauthierbraillon/feedsync/internal/supervisor"
)

// DefaultMailboxSize bounds the number of queued loop messages.
const DefaultMailboxSize = 256

const noticeBuffer = 32

var (
	// ErrNotStarted is returned by operations on an engine that is not running.
	ErrNotStarted = errors.New("engine not started")
	// ErrStopped is returned once the engine has been stopped.
	ErrStopped = errors.New("engine stopped")
	// ErrEmptyPost is returned when a post has neither content nor media.
	ErrEmptyPost = errors.New("post must have content or media")
)

// Config describes one session.
type Config struct {
	ViewerID string
	Filter   feed.Filter
	// ChannelURL is the push endpoint; empty runs the session pull-only.
	ChannelURL string
	Token      string
	// ManualPaging leaves every page fetch, the first included, to LoadMore.
	ManualPaging bool

	PageSize       int
	MailboxSize    int
	ConfirmTimeout time.Duration
	Reconcile      reconcile.Config
	Backoff        supervisor.Policy
}

// API is the server surface the engine uses.
type API interface {
	cursor.Fetcher
	CreateItem(ctx context.Context, req api.CreateRequest) (*feed.Item, error)
	DeleteItem(ctx context.Context, id string) (*feed.Item, error)
	LikeItem(ctx context.Context, id string, liked bool) (*feed.Item, error)
	Following(ctx context.Context) ([]string, error)
}

// Deps are the engine's collaborators.
type Deps struct {
	API API
	// Dialer opens the push channel. Nil runs the session pull-only.
	Dialer supervisor.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
	// NewID replaces the optimistic local id generator.
	NewID func() string
}

// Snapshot is an immutable view of the session handed to readers.
type Snapshot struct {
	// Seq increases on every published change.
	Seq       uint64
	Revision  uint64
	Filter    feed.Filter
	Items     []feed.Item
	Page      int
	Exhausted bool
	Loading   bool
	// Live is set while the push channel is connected.
	Live       bool
	Connection supervisor.Machine
	Pending    int
}

// NoticeKind classifies a user-visible notice.
type NoticeKind int

const (
	NoticeFetchFailed NoticeKind = iota
	NoticeFellBack
	NoticeMutationRejected
	NoticeMutationFailed
	NoticeMutationTimedOut
	NoticeChannelUnavailable
	NoticeFollowingFailed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeFetchFailed:
		return "fetch-failed"
	case NoticeFellBack:
		return "fell-back"
	case NoticeMutationRejected:
		return "mutation-rejected"
	case NoticeMutationFailed:
		return "mutation-failed"
	case NoticeMutationTimedOut:
		return "mutation-timed-out"
	case NoticeChannelUnavailable:
		return "channel-unavailable"
	case NoticeFollowingFailed:
		return "following-failed"
	default:
		return "unknown"
	}
}

// Notice is a user-visible event such as a failed fetch banner or a rolled
// back action.
type Notice struct {
	Kind    NoticeKind
	Message string
	LocalID string
	Err     error
	At      time.Time
}

// Engine is one feed session. Create it with New; nothing is shared between
// engines.
type Engine struct {
	cfg    Config
	api    API
	clock  clock.Clock
	logger *slog.Logger

	// Owned by the loop goroutine.
	list      *reconcile.Reconciler
	tracker   *optimistic.Tracker
	page      int
	exhausted bool
	published Snapshot

	cursor     *cursor.Cursor
	normalizer *normalize.Normalizer
	supervisor *supervisor.Supervisor

	mailbox chan message
	nudge   chan struct{}
	notices chan Notice
	snap    atomic.Pointer[Snapshot]

	subMu   sync.Mutex
	subs    map[int]chan uint64
	nextSub int

	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
	workers   sync.WaitGroup
	unsubConn func()
}

// New creates a stopped engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Filter == "" {
		cfg.Filter = feed.DefaultFilter
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.Reconcile == (reconcile.Config{}) {
		cfg.Reconcile = reconcile.DefaultConfig()
	}
	if cfg.Backoff == (supervisor.Policy{}) {
		cfg.Backoff = supervisor.DefaultPolicy()
	}

	e := &Engine{
		cfg:     cfg,
		api:     deps.API,
		clock:   deps.Clock,
		logger:  deps.Logger,
		mailbox: make(chan message, cfg.MailboxSize),
		nudge:   make(chan struct{}, 1),
		notices: make(chan Notice, noticeBuffer),
		subs:    make(map[int]chan uint64),
		done:    make(chan struct{}),
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	e.list = reconcile.New(cfg.Filter, cfg.ViewerID,
		reconcile.WithConfig(cfg.Reconcile),
		reconcile.WithClock(e.clock),
		reconcile.WithLogger(e.logger))

	trackerOpts := []optimistic.Option{
		optimistic.WithClock(e.clock),
		optimistic.WithTimeout(cfg.ConfirmTimeout),
		optimistic.WithExpiryHook(e.expired),
		optimistic.WithLogger(e.logger),
	}
	if deps.NewID != nil {
		trackerOpts = append(trackerOpts, optimistic.WithIDGenerator(deps.NewID))
	}
	e.tracker = optimistic.New(e.list, cfg.ViewerID, trackerOpts...)

	e.cursor = cursor.New(deps.API, cfg.Filter,
		cursor.WithPageSize(cfg.PageSize),
		cursor.WithLogger(e.logger))
	e.normalizer = normalize.New(
		normalize.WithClock(e.clock),
		normalize.WithLogger(e.logger))
	if deps.Dialer != nil && cfg.ChannelURL != "" {
		e.supervisor = supervisor.New(deps.Dialer, e.sink,
			supervisor.WithPolicy(cfg.Backoff),
			supervisor.WithClock(e.clock),
			supervisor.WithLogger(e.logger))
	}

	e.published = Snapshot{Filter: cfg.Filter}
	first := e.published
	e.snap.Store(&first)
	return e
}

// Start runs the session: the loop, the push channel and the first page
// fetch. Results arrive through Snapshot and Subscribe.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.supervisor != nil {
		e.unsubConn = e.supervisor.Subscribe(func(supervisor.Transition) {
			select {
			case e.nudge <- struct{}{}:
			default:
			}
		})
	}
	go e.run()

	if e.supervisor != nil {
		e.supervisor.Start(e.ctx, e.channelConfig(e.cfg.Filter))
	}
	e.spawn(e.loadFollowing)
	if !e.cfg.ManualPaging {
		e.spawn(func() {
			if err := e.LoadMore(e.ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStopped) {
				e.logger.Debug("initial page failed", "error", err)
			}
		})
	}

	e.logger.Info("feed session started", "viewer", e.cfg.ViewerID, "filter", string(e.cfg.Filter), "push", e.supervisor != nil)
	return nil
}

// Stop ends the session. It is safe to call more than once.
func (e *Engine) Stop() {
	if !e.started.Load() {
		return
	}
	e.stopOnce.Do(func() {
		if e.supervisor != nil {
			e.unsubConn()
			e.supervisor.Stop()
		}
		e.cancel()
		<-e.done
		e.workers.Wait()
		e.tracker.Reset()
		e.subMu.Lock()
		for id, ch := range e.subs {
			close(ch)
			delete(e.subs, id)
		}
		e.subMu.Unlock()
		e.logger.Info("feed session stopped", "viewer", e.cfg.ViewerID)
	})
}

// Snapshot returns the latest published view. It never blocks on the loop.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

// Subscribe returns a channel that receives the snapshot Seq after changes.
// Notifications coalesce: a slow reader sees only the latest. The returned
// function unsubscribes and closes the channel.
func (e *Engine) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(ch)
			}
		})
	}
}

// Notices delivers user-visible notices. Notices are dropped when nobody
// reads them.
func (e *Engine) Notices() <-chan Notice { return e.notices }

// ConnectionState returns the push channel's lifecycle state.
func (e *Engine) ConnectionState() supervisor.Machine {
	if e.supervisor == nil {
		return supervisor.Machine{}
	}
	return e.supervisor.State()
}

// SubmitPost shows a post immediately and submits it. It returns the local
// id that tracks the post until the server confirms or rejects it.
func (e *Engine) SubmitPost(ctx context.Context, content, mediaRef string) (string, error) {
	if strings.TrimSpace(content) == "" && mediaRef == "" {
		return "", ErrEmptyPost
	}
	return e.act(ctx, optimistic.Action{Kind: optimistic.KindPost, Content: content, MediaRef: mediaRef})
}

// DeletePost hides an item immediately and asks the server to delete it.
func (e *Engine) DeletePost(ctx context.Context, itemID string) (string, error) {
	return e.act(ctx, optimistic.Action{Kind: optimistic.KindDelete, ItemID: itemID})
}

// ToggleLike likes the item, or unlikes it if the viewer already likes it.
func (e *Engine) ToggleLike(ctx context.Context, itemID string) (string, error) {
	return e.submit(ctx, msgAction{action: optimistic.Action{Kind: optimistic.KindLike, ItemID: itemID}, toggle: true})
}

func (e *Engine) act(ctx context.Context, a optimistic.Action) (string, error) {
	return e.submit(ctx, msgAction{action: a})
}

func (e *Engine) submit(ctx context.Context, m msgAction) (string, error) {
	reply := make(chan actionReply, 1)
	m.reply = reply
	if err := e.post(ctx, m); err != nil {
		return "", err
	}
	r, err := await(ctx, e.done, reply)
	if err != nil {
		return "", err
	}
	return r.localID, r.err
}

// LoadMore fetches the next page of the active filter and waits until it is
// merged. A failed fetch is also reported as a notice and leaves the list as
// it was. A page made obsolete by a filter change is silently dropped.
func (e *Engine) LoadMore(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	res, err := e.cursor.FetchNext(ctx)
	if errors.Is(err, feed.ErrStaleFetch) {
		return nil
	}
	reply := make(chan error, 1)
	if perr := e.post(ctx, msgPage{result: res, err: err, reply: reply}); perr != nil {
		return perr
	}
	if _, werr := await(ctx, e.done, reply); werr != nil {
		return werr
	}
	return err
}

// ChangeFilter switches the session to filter: the list, the cursor and
// pending optimistic actions are discarded, the push channel is reopened for
// the new filter and the first page is fetched.
func (e *Engine) ChangeFilter(ctx context.Context, filter feed.Filter) error {
	if _, err := feed.ParseFilter(string(filter)); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := e.post(ctx, msgFilter{filter: filter, reply: reply}); err != nil {
		return err
	}
	if _, err := await(ctx, e.done, reply); err != nil {
		return err
	}
	return e.LoadMore(ctx)
}

// Reconnect restarts the push channel with a fresh retry budget. It is the
// way out of the unavailable state.
func (e *Engine) Reconnect(ctx context.Context) error {
	if e.supervisor == nil {
		return fmt.Errorf("reconnect: %w", feed.ErrTransport)
	}
	reply := make(chan error, 1)
	if err := e.post(ctx, msgReconnect{reply: reply}); err != nil {
		return err
	}
	_, err := await(ctx, e.done, reply)
	return err
}

func (e *Engine) channelConfig(filter feed.Filter) supervisor.ChannelConfig {
	return supervisor.ChannelConfig{
		URL:      e.cfg.ChannelURL,
		Token:    e.cfg.Token,
		ViewerID: e.cfg.ViewerID,
		Filter:   filter,
		Hello:    presenceFrame(e.cfg.ViewerID, filter),
	}
}

// sink runs on the supervisor's goroutine.
func (e *Engine) sink(ctx context.Context, f feed.Frame) {
	ev, ok := e.normalizer.Normalize(f)
	if !ok {
		return
	}
	_ = e.post(ctx, msgEvent{event: ev})
}

// expired runs on the clock's goroutine.
func (e *Engine) expired(localID string) {
	if !e.started.Load() {
		return
	}
	_ = e.post(e.ctx, msgExpired{localID: localID})
}

func (e *Engine) loadFollowing() {
	ids, err := e.api.Following(e.ctx)
	if errors.Is(err, context.Canceled) {
		return
	}
	_ = e.post(e.ctx, msgFollowing{authorIDs: ids, err: err})
}

func (e *Engine) spawn(fn func()) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		fn()
	}()
}

// post queues m, blocking while the mailbox is full.
func (e *Engine) post(ctx context.Context, m message) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	select {
	case e.mailbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func await[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-done:
		return zero, ErrStopped
	}
}
