// Package normalize converts raw push frames into typed mutation events.
//
// Frames that cannot be understood are dropped, never returned as errors:
// the push channel is an external input and must not be able to crash the
// feed. Every drop is logged and kept in a small diagnostic ring.
package normalize

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/gauthierbraillon/feedsync/internal/clock"
	"github.com/gauthierbraillon/feedsync/internal/feed"
)

// DefaultDiagnostics is the number of drop records kept.
const DefaultDiagnostics = 32

// Diagnostic records a dropped frame.
type Diagnostic struct {
	ReceiptID  string
	Event      string
	Reason     string
	ObservedAt time.Time
}

type itemRef struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

type likeFrame struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Liked     *bool  `json:"liked"`
	LikeCount int    `json:"likeCount"`
	Version   int64  `json:"version"`
}

type followFrame struct {
	FollowerID string `json:"followerId"`
	FolloweeID string `json:"followeeId"`
	Following  bool   `json:"following"`
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	ring    []Diagnostic
	next    int
	dropped uint64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the source of receipt times.
func WithClock(c clock.Clock) Option {
	return func(n *Normalizer) { n.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// WithDiagnostics sets the size of the diagnostic ring.
func WithDiagnostics(size int) Option {
	return func(n *Normalizer) {
		if size > 0 {
			n.ring = make([]Diagnostic, 0, size)
		}
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		clock:   clock.Real{},
		logger:  slog.Default(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		ring:    make([]Diagnostic, 0, DefaultDiagnostics),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts f into an event. It reports false for frames that are
// unknown or malformed.
func (n *Normalizer) Normalize(f feed.Frame) (feed.MutationEvent, bool) {
	now := n.clock.Now()
	receipt := n.receiptID(now)

	ev, err := decode(f)
	if err != nil {
		n.drop(Diagnostic{ReceiptID: receipt, Event: f.Event, Reason: err.Error(), ObservedAt: now})
		return feed.MutationEvent{}, false
	}
	ev.ObservedAt = now
	ev.ReceiptID = receipt
	return ev, true
}

func decode(f feed.Frame) (feed.MutationEvent, error) {
	switch f.Event {
	case feed.FrameNewItem, feed.FrameItemUpdated:
		var w feed.WireItem
		if err := unmarshal(f.Data, &w); err != nil {
			return feed.MutationEvent{}, err
		}
		it, err := w.ToItem()
		if err != nil {
			return feed.MutationEvent{}, fmt.Errorf("%w: %v", feed.ErrMalformedEvent, err)
		}
		kind := feed.KindCreated
		if f.Event == feed.FrameItemUpdated {
			kind = feed.KindUpdated
			if it.Version <= 0 {
				return feed.MutationEvent{}, fmt.Errorf("%w: update without version", feed.ErrMalformedEvent)
			}
		}
		return feed.MutationEvent{Kind: kind, ItemID: it.ID, Version: it.Version, Item: &it}, nil

	case feed.FrameItemDeleted:
		var ref itemRef
		if err := unmarshal(f.Data, &ref); err != nil {
			return feed.MutationEvent{}, err
		}
		if ref.ID == "" {
			return feed.MutationEvent{}, fmt.Errorf("%w: missing id", feed.ErrMalformedEvent)
		}
		return feed.MutationEvent{Kind: feed.KindDeleted, ItemID: ref.ID, Version: ref.Version}, nil

	case feed.FrameItemLiked:
		var lf likeFrame
		if err := unmarshal(f.Data, &lf); err != nil {
			return feed.MutationEvent{}, err
		}
		switch {
		case lf.ID == "":
			return feed.MutationEvent{}, fmt.Errorf("%w: missing id", feed.ErrMalformedEvent)
		case lf.UserID == "":
			return feed.MutationEvent{}, fmt.Errorf("%w: missing userId", feed.ErrMalformedEvent)
		case lf.Version <= 0:
			return feed.MutationEvent{}, fmt.Errorf("%w: like without version", feed.ErrMalformedEvent)
		}
		liked := true
		if lf.Liked != nil {
			liked = *lf.Liked
		}
		return feed.MutationEvent{
			Kind:    feed.KindLiked,
			ItemID:  lf.ID,
			Version: lf.Version,
			Like:    &feed.LikePayload{UserID: lf.UserID, Liked: liked, Count: lf.LikeCount},
		}, nil

	case feed.FrameFollowChanged:
		var ff followFrame
		if err := unmarshal(f.Data, &ff); err != nil {
			return feed.MutationEvent{}, err
		}
		if ff.FollowerID == "" || ff.FolloweeID == "" {
			return feed.MutationEvent{}, fmt.Errorf("%w: missing follower or followee", feed.ErrMalformedEvent)
		}
		return feed.MutationEvent{
			Kind:   feed.KindFollowChanged,
			Follow: &feed.FollowPayload{FollowerID: ff.FollowerID, FolloweeID: ff.FolloweeID, Following: ff.Following},
		}, nil

	default:
		return feed.MutationEvent{}, fmt.Errorf("%w: unknown frame %q", feed.ErrMalformedEvent, f.Event)
	}
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", feed.ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", feed.ErrMalformedEvent, err)
	}
	return nil
}

func (n *Normalizer) receiptID(now time.Time) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), n.entropy)
	if err != nil {
		// Monotonic entropy overflows only after 2^80 ids in one millisecond.
		return ulid.Make().String()
	}
	return id.String()
}

func (n *Normalizer) drop(d Diagnostic) {
	n.logger.Debug("dropping malformed frame", "event", d.Event, "reason", d.Reason, "receipt", d.ReceiptID)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped++
	if len(n.ring) < cap(n.ring) {
		n.ring = append(n.ring, d)
		return
	}
	n.ring[n.next] = d
	n.next = (n.next + 1) % len(n.ring)
}

// Diagnostics returns the retained drop records, oldest first.
func (n *Normalizer) Diagnostics() []Diagnostic {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Diagnostic, 0, len(n.ring))
	out = append(out, n.ring[n.next:]...)
	out = append(out, n.ring[:n.next]...)
	return out
}

// Dropped returns the total number of dropped frames.
func (n *Normalizer) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}
