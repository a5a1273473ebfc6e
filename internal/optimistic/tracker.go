// Package optimistic tracks the viewer's locally initiated actions until the
// server confirms or declines them.
//
// Each action moves through a small state machine:
//
//	Pending -> Confirmed
//	Pending -> RolledBack
//
// Both outcomes are terminal. The visible effect of an action is applied to
// the feed list as soon as it is recorded, and undone on rollback.
package optimistic

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gauthierbraillon/feedsync/internal/clock"
	"github.com/gauthierbraillon/feedsync/internal/feed"
)

// DefaultTimeout bounds how long an action may stay pending.
const DefaultTimeout = 20 * time.Second

// maxSettled bounds how many settled actions keep a queryable status.
const maxSettled = 256

var (
	// ErrUnknownAction is returned for a local id the tracker never issued
	// (or forgot after Reset).
	ErrUnknownAction = errors.New("unknown optimistic action")
	// ErrAlreadySettled is returned when a confirmed or rolled back action
	// receives a second outcome.
	ErrAlreadySettled = errors.New("optimistic action already settled")
	// ErrItemNotFound is returned when the target item is not in the list.
	ErrItemNotFound = errors.New("item not in feed")
	// ErrItemPending is returned when deleting an item that is itself still
	// awaiting confirmation.
	ErrItemPending = errors.New("item is still being posted")
	// ErrMissingItem is returned when a post is confirmed without the
	// server's copy of the item.
	ErrMissingItem = errors.New("post confirmation carries no item")
)

// Kind identifies an optimistic action.
type Kind int

const (
	KindPost Kind = iota + 1
	KindDelete
	KindLike
	KindUnlike
)

// String returns a string representation of the action kind.
func (k Kind) String() string {
	switch k {
	case KindPost:
		return "post"
	case KindDelete:
		return "delete"
	case KindLike:
		return "like"
	case KindUnlike:
		return "unlike"
	default:
		return "unknown"
	}
}

// Action is a locally initiated mutation.
type Action struct {
	Kind     Kind
	ItemID   string
	Content  string
	MediaRef string
}

// Status is the state of an optimistic action.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusRolledBack
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// List is the part of the feed list the tracker drives.
type List interface {
	Get(id string) (feed.Item, bool)
	InsertOptimistic(it feed.Item) error
	Promote(correlationID string, server feed.Item) bool
	RemoveOptimistic(correlationID string) bool
	Remove(id string) (feed.Item, bool)
	Restore(it feed.Item) bool
	ConfirmRemove(id string)
	SetLike(id, userID string, liked bool) bool
	ReleaseLike(id string, revert bool) bool
	LiftTombstone(id string)
	Merge(it feed.Item) bool
}

type entry struct {
	seq         uint64
	localID     string
	action      Action
	status      Status
	startedAt   time.Time
	timer       clock.Timer
	removed     feed.Item
	likeChanged bool
}

// Tracker records pending optimistic actions. It is not safe for concurrent
// use; the engine loop owns it.
type Tracker struct {
	list     List
	viewerID string
	clock    clock.Clock
	timeout  time.Duration
	newID    func() string
	onExpire func(localID string)
	logger   *slog.Logger

	entries map[string]*entry
	settled []string
	seq     uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source for timestamps and confirmation timers.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithTimeout sets the confirmation window.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithIDGenerator replaces the local id generator.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

// WithExpiryHook sets the callback run, on the clock's goroutine, when an
// action outlives its confirmation window. The owner is expected to route it
// back to Rollback on its own loop. Without a hook no timers are started.
func WithExpiryHook(fn func(localID string)) Option {
	return func(t *Tracker) { t.onExpire = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a tracker applying the viewer's actions to list.
func New(list List, viewerID string, opts ...Option) *Tracker {
	t := &Tracker{
		list:     list,
		viewerID: viewerID,
		clock:    clock.Real{},
		timeout:  DefaultTimeout,
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		logger:   slog.Default(),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply makes the action visible immediately and returns its local id.
func (t *Tracker) Apply(a Action) (string, error) {
	t.seq++
	e := &entry{seq: t.seq, localID: t.newID(), action: a, status: StatusPending, startedAt: t.clock.Now()}

	switch a.Kind {
	case KindPost:
		it := feed.Item{
			ID:            e.localID,
			AuthorID:      t.viewerID,
			Content:       a.Content,
			MediaRef:      a.MediaRef,
			CreatedAt:     e.startedAt.UTC(),
			Origin:        feed.OriginOptimistic,
			CorrelationID: e.localID,
		}
		if err := t.list.InsertOptimistic(it); err != nil {
			return "", fmt.Errorf("failed to insert post: %w", err)
		}
	case KindDelete:
		held, ok := t.list.Get(a.ItemID)
		if !ok {
			return "", ErrItemNotFound
		}
		if held.IsOptimistic() {
			return "", ErrItemPending
		}
		e.removed, _ = t.list.Remove(a.ItemID)
	case KindLike, KindUnlike:
		if _, ok := t.list.Get(a.ItemID); !ok {
			return "", ErrItemNotFound
		}
		e.likeChanged = t.list.SetLike(a.ItemID, t.viewerID, a.Kind == KindLike)
	default:
		return "", fmt.Errorf("unsupported action kind %d", a.Kind)
	}

	if t.onExpire != nil {
		localID := e.localID
		e.timer = t.clock.AfterFunc(t.timeout, func() { t.onExpire(localID) })
	}
	t.entries[e.localID] = e
	t.logger.Debug("optimistic action applied", "local_id", e.localID, "kind", a.Kind.String(), "item", a.ItemID)
	return e.localID, nil
}

// Confirm settles the action with the server's canonical item, if any.
func (t *Tracker) Confirm(localID string, server *feed.Item) error {
	e, err := t.pending(localID)
	if err != nil {
		return err
	}

	switch e.action.Kind {
	case KindPost:
		if server == nil {
			return ErrMissingItem
		}
		t.list.Promote(localID, *server)
	case KindDelete:
		t.list.ConfirmRemove(e.action.ItemID)
	case KindLike, KindUnlike:
		if !t.likeSuperseded(e) {
			t.list.ReleaseLike(e.action.ItemID, false)
		}
		if server != nil {
			t.list.Merge(*server)
		}
	}

	t.settle(e, StatusConfirmed)
	t.logger.Debug("optimistic action confirmed", "local_id", localID, "kind", e.action.Kind.String())
	return nil
}

// Rollback undoes the action's visible effect.
func (t *Tracker) Rollback(localID, reason string) error {
	e, err := t.pending(localID)
	if err != nil {
		return err
	}

	switch e.action.Kind {
	case KindPost:
		t.list.RemoveOptimistic(localID)
	case KindDelete:
		if e.removed.ID == "" {
			// Applied to a list that has since been reset.
			t.list.LiftTombstone(e.action.ItemID)
		} else {
			t.list.Restore(e.removed)
		}
	case KindLike, KindUnlike:
		if !t.likeSuperseded(e) {
			t.list.ReleaseLike(e.action.ItemID, e.likeChanged)
		}
	}

	t.settle(e, StatusRolledBack)
	t.logger.Info("optimistic action rolled back", "local_id", localID, "kind", e.action.Kind.String(), "reason", reason)
	return nil
}

// Status returns the state of an action.
func (t *Tracker) Status(localID string) (Status, bool) {
	e, ok := t.entries[localID]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// Action returns the action recorded under localID.
func (t *Tracker) Action(localID string) (Action, bool) {
	e, ok := t.entries[localID]
	if !ok {
		return Action{}, false
	}
	return e.action, true
}

// Pending returns the number of unsettled actions.
func (t *Tracker) Pending() int {
	n := 0
	for _, e := range t.entries {
		if e.status == StatusPending {
			n++
		}
	}
	return n
}

// Reset forgets every action and stops their timers. Used when the feed
// list they applied to is discarded. Pending deletes are kept: their
// tombstones outlive the list, and a rollback still has to lift them.
func (t *Tracker) Reset() {
	kept := make(map[string]*entry)
	for id, e := range t.entries {
		if e.status == StatusPending && e.action.Kind == KindDelete {
			e.removed = feed.Item{}
			kept[id] = e
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.entries = kept
	t.settled = nil
}

// likeSuperseded reports whether a later like or unlike of the same item is
// still pending; that action owns the item's visible like state.
func (t *Tracker) likeSuperseded(e *entry) bool {
	for _, o := range t.entries {
		if o.seq > e.seq && o.status == StatusPending && o.action.ItemID == e.action.ItemID &&
			(o.action.Kind == KindLike || o.action.Kind == KindUnlike) {
			return true
		}
	}
	return false
}

func (t *Tracker) pending(localID string) (*entry, error) {
	e, ok := t.entries[localID]
	if !ok {
		return nil, ErrUnknownAction
	}
	if e.status != StatusPending {
		return nil, ErrAlreadySettled
	}
	return e, nil
}

func (t *Tracker) settle(e *entry, status Status) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.status = status
	e.removed = feed.Item{}

	t.settled = append(t.settled, e.localID)
	if over := len(t.settled) - maxSettled; over > 0 {
		for _, id := range t.settled[:over] {
			delete(t.entries, id)
		}
		t.settled = append(t.settled[:0], t.settled[over:]...)
	}
}
