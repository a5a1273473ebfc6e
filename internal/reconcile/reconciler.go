// Package reconcile maintains the authoritative, newest-first feed list for
// the active filter.
//
// The Reconciler merges three sources into one sequence:
// - pages fetched from the pull API
// - mutation events from the push channel
// - the viewer's optimistic actions
//
// It keeps no two entries with the same id, keeps entries ordered by
// creation time (ties broken by id), and rejects stale data by comparing
// per-item versions and consulting tombstones of deleted ids.
//
// A Reconciler is not safe for concurrent use; the engine loop owns it.
package reconcile

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/gauthierbraillon/feedsync/internal/clock"
	"github.com/gauthierbraillon/feedsync/internal/feed"
)

// Config tunes the retention windows of the Reconciler.
type Config struct {
	// TombstoneTTL is how long a deleted id rejects late page or event data.
	TombstoneTTL time.Duration
	// LikeBufferTTL is how long a like for an unknown item waits for the item.
	LikeBufferTTL time.Duration
	// LikeBufferSize bounds the number of buffered likes; the oldest is
	// evicted first. Zero or less disables buffering.
	LikeBufferSize int
}

// DefaultConfig returns the default retention windows.
func DefaultConfig() Config {
	return Config{
		TombstoneTTL:   2 * time.Minute,
		LikeBufferTTL:  5 * time.Second,
		LikeBufferSize: 64,
	}
}

// Snapshot is an immutable copy of the feed list.
type Snapshot struct {
	Revision uint64
	Filter   feed.Filter
	Items    []feed.Item
}

// ErrDuplicateID is returned when an optimistic insert reuses a held id.
var ErrDuplicateID = errors.New("item id already present")

type tombstone struct {
	expires time.Time
	// local marks tombstones placed by a pending optimistic delete; only
	// those may be lifted again by a rollback.
	local bool
}

// likeHold is the viewer's pending like or unlike of an item. It is laid
// over every server copy of the item until the action settles.
type likeHold struct {
	userID string
	liked  bool
}

type bufferedLike struct {
	ev      feed.MutationEvent
	expires time.Time
}

// Reconciler owns the feed list of a single filter.
type Reconciler struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	viewerID string
	filter   feed.Filter

	following map[string]bool

	items         []*feed.Item
	byID          map[string]*feed.Item
	byCorrelation map[string]string
	tombstones    map[string]tombstone
	holds         map[string]likeHold
	buffered      []bufferedLike
	revision      uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithConfig sets the retention windows.
func WithConfig(cfg Config) Option {
	return func(r *Reconciler) { r.cfg = cfg }
}

// WithClock sets the time source used for tombstones and the like buffer.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler for the viewer's feed under filter.
func New(filter feed.Filter, viewerID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:        DefaultConfig(),
		clock:      clock.Real{},
		logger:     slog.Default(),
		viewerID:   viewerID,
		following:  make(map[string]bool),
		tombstones: make(map[string]tombstone),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reset(filter)
	return r
}

// Filter returns the active filter.
func (r *Reconciler) Filter() feed.Filter { return r.filter }

// Revision increases on every change to the list.
func (r *Reconciler) Revision() uint64 { return r.revision }

// Len returns the number of items in the list.
func (r *Reconciler) Len() int { return len(r.items) }

// Get returns a copy of the item with the given id.
func (r *Reconciler) Get(id string) (feed.Item, bool) {
	it, ok := r.byID[id]
	if !ok {
		return feed.Item{}, false
	}
	return it.Clone(), true
}

// Snapshot returns an immutable copy of the list.
func (r *Reconciler) Snapshot() Snapshot {
	items := make([]feed.Item, len(r.items))
	for i, it := range r.items {
		items[i] = it.Clone()
	}
	return Snapshot{Revision: r.revision, Filter: r.filter, Items: items}
}

// Reset discards the list and switches to filter. The followed set, the
// viewer and the tombstones of deleted ids survive; a delete applies to every
// filter.
func (r *Reconciler) Reset(filter feed.Filter) {
	r.reset(filter)
	r.revision++
}

func (r *Reconciler) reset(filter feed.Filter) {
	r.filter = filter
	r.items = nil
	r.byID = make(map[string]*feed.Item)
	r.byCorrelation = make(map[string]string)
	r.holds = make(map[string]likeHold)
	r.buffered = nil
}

// SetFollowing replaces the set of authors the viewer follows.
func (r *Reconciler) SetFollowing(authorIDs []string) {
	r.following = make(map[string]bool, len(authorIDs))
	for _, id := range authorIDs {
		r.following[id] = true
	}
}

// Follows reports whether the viewer follows authorID.
func (r *Reconciler) Follows(authorID string) bool { return r.following[authorID] }

// MergePage merges a fetched page and returns the number of accepted items.
// The first page into an empty list is appended and sorted wholesale.
func (r *Reconciler) MergePage(items []feed.Item) int {
	r.prune()
	if len(r.items) == 0 {
		return r.loadInitial(items)
	}
	accepted := 0
	for _, it := range items {
		if r.upsert(it) {
			accepted++
		}
	}
	return accepted
}

func (r *Reconciler) loadInitial(items []feed.Item) int {
	accepted := 0
	for _, in := range items {
		if r.tombstoned(in.ID) {
			r.logger.Debug("rejecting tombstoned item from page", "id", in.ID)
			continue
		}
		if held, ok := r.byID[in.ID]; ok {
			if in.Version > held.Version {
				*held = r.confirmed(in)
			}
			continue
		}
		it := r.confirmed(in)
		r.items = append(r.items, &it)
		r.byID[it.ID] = &it
		accepted++
	}
	if accepted == 0 {
		return 0
	}
	sort.SliceStable(r.items, func(i, j int) bool { return feed.Newer(*r.items[i], *r.items[j]) })
	for _, it := range r.items {
		r.drainLikes(it.ID)
	}
	r.revision++
	return accepted
}

// Apply merges a live mutation event and reports whether the list changed.
func (r *Reconciler) Apply(ev feed.MutationEvent) bool {
	r.prune()
	switch ev.Kind {
	case feed.KindCreated:
		return r.applyCreated(ev)
	case feed.KindUpdated:
		return r.applyUpdated(ev)
	case feed.KindDeleted:
		return r.applyDeleted(ev)
	case feed.KindLiked:
		return r.applyLiked(ev)
	case feed.KindFollowChanged:
		return r.applyFollowChanged(ev)
	default:
		return false
	}
}

func (r *Reconciler) applyCreated(ev feed.MutationEvent) bool {
	if ev.Item == nil {
		return false
	}
	in := ev.Item.Clone()
	if r.filter == feed.FilterFollowing && !r.visibleUnderFollowing(in.AuthorID) {
		r.logger.Debug("suppressing created event from unfollowed author", "id", in.ID, "author", in.AuthorID)
		return false
	}
	if ev.Version > in.Version {
		in.Version = ev.Version
	}
	return r.upsert(in)
}

func (r *Reconciler) applyUpdated(ev feed.MutationEvent) bool {
	held, ok := r.byID[ev.ItemID]
	if !ok || ev.Item == nil || ev.Version <= held.Version {
		return false
	}
	held.Content = ev.Item.Content
	held.MediaRef = ev.Item.MediaRef
	held.Version = ev.Version
	r.revision++
	return true
}

func (r *Reconciler) applyDeleted(ev feed.MutationEvent) bool {
	r.tombstones[ev.ItemID] = tombstone{expires: r.clock.Now().Add(r.cfg.TombstoneTTL)}
	r.dropBuffered(ev.ItemID)
	if !r.removeID(ev.ItemID) {
		return false
	}
	r.revision++
	return true
}

func (r *Reconciler) applyLiked(ev feed.MutationEvent) bool {
	if ev.Like == nil || r.tombstoned(ev.ItemID) {
		return false
	}
	held, ok := r.byID[ev.ItemID]
	if !ok {
		r.buffer(ev)
		return false
	}
	return r.applyLike(held, ev)
}

func (r *Reconciler) applyLike(held *feed.Item, ev feed.MutationEvent) bool {
	if ev.Version <= held.Version {
		return false
	}
	held.SetLike(ev.Like.UserID, ev.Like.Liked)
	if ev.Like.Count > 0 {
		held.LikeCount = max(ev.Like.Count, len(held.LikedBy))
	}
	held.Version = ev.Version
	r.revision++
	return true
}

func (r *Reconciler) applyFollowChanged(ev feed.MutationEvent) bool {
	f := ev.Follow
	if f == nil || f.FollowerID != r.viewerID {
		return false
	}
	if f.Following {
		r.following[f.FolloweeID] = true
		return false
	}
	delete(r.following, f.FolloweeID)
	if r.filter != feed.FilterFollowing || f.FolloweeID == r.viewerID {
		return false
	}

	removed := false
	kept := r.items[:0]
	for _, it := range r.items {
		if it.AuthorID == f.FolloweeID && !it.IsOptimistic() {
			delete(r.byID, it.ID)
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	r.items = kept
	if removed {
		r.revision++
	}
	return removed
}

func (r *Reconciler) visibleUnderFollowing(authorID string) bool {
	return authorID == r.viewerID || r.following[authorID]
}

// upsert inserts a confirmed item or merges it into the held entry.
func (r *Reconciler) upsert(in feed.Item) bool {
	if r.tombstoned(in.ID) {
		r.logger.Debug("rejecting tombstoned item", "id", in.ID)
		return false
	}
	if in.CorrelationID != "" {
		if heldID, ok := r.byCorrelation[in.CorrelationID]; ok {
			return r.promote(heldID, in)
		}
	}
	if held, ok := r.byID[in.ID]; ok {
		if held.IsOptimistic() {
			return r.promote(held.ID, in)
		}
		if in.Version <= held.Version {
			return false
		}
		r.replace(held, r.confirmed(in))
		r.revision++
		return true
	}

	it := r.confirmed(in)
	r.insert(&it)
	r.drainLikes(it.ID)
	r.revision++
	return true
}

// promote turns the optimistic entry heldID into its confirmed counterpart.
func (r *Reconciler) promote(heldID string, in feed.Item) bool {
	held, ok := r.byID[heldID]
	if !ok {
		return false
	}
	correlation := held.CorrelationID
	r.removeID(heldID)

	if r.tombstoned(in.ID) {
		r.logger.Debug("confirmed item was deleted meanwhile", "id", in.ID)
		r.revision++
		return true
	}
	if other, ok := r.byID[in.ID]; ok {
		// The confirmed copy already arrived without a correlation id.
		if in.Version > other.Version {
			r.replace(other, r.confirmed(in))
		}
		r.revision++
		return true
	}

	it := r.confirmed(in)
	if it.CorrelationID == "" {
		it.CorrelationID = correlation
	}
	r.insert(&it)
	r.drainLikes(it.ID)
	r.revision++
	return true
}

func (r *Reconciler) confirmed(in feed.Item) feed.Item {
	it := in.Clone()
	it.Origin = feed.OriginConfirmed
	if h, ok := r.holds[it.ID]; ok {
		it.SetLike(h.userID, h.liked)
	}
	return it
}

// replace overwrites held with next, repositioning only if CreatedAt moved.
func (r *Reconciler) replace(held *feed.Item, next feed.Item) {
	if held.CreatedAt.Equal(next.CreatedAt) {
		*held = next
		return
	}
	r.removeID(held.ID)
	r.insert(&next)
}

// Merge merges a confirmed item by the usual upsert rules, such as the
// canonical copy returned by a like or unlike.
func (r *Reconciler) Merge(in feed.Item) bool {
	r.prune()
	return r.upsert(in)
}

// InsertOptimistic adds a locally originated item ahead of confirmation.
func (r *Reconciler) InsertOptimistic(in feed.Item) error {
	if in.CorrelationID == "" {
		return errors.New("optimistic item needs a correlation id")
	}
	if _, ok := r.byID[in.ID]; ok {
		return ErrDuplicateID
	}
	it := in.Clone()
	it.Origin = feed.OriginOptimistic
	r.insert(&it)
	r.byCorrelation[it.CorrelationID] = it.ID
	r.revision++
	return nil
}

// Promote confirms the optimistic item created under correlationID with the
// server's canonical copy. If the optimistic entry is already gone (promoted
// by a push event, or deleted) the server copy is merged by the usual rules.
func (r *Reconciler) Promote(correlationID string, server feed.Item) bool {
	r.prune()
	server.CorrelationID = correlationID
	if heldID, ok := r.byCorrelation[correlationID]; ok {
		return r.promote(heldID, server)
	}
	return r.upsert(server)
}

// RemoveOptimistic drops the still-optimistic item created under
// correlationID.
func (r *Reconciler) RemoveOptimistic(correlationID string) bool {
	heldID, ok := r.byCorrelation[correlationID]
	if !ok {
		return false
	}
	if held, ok := r.byID[heldID]; !ok || !held.IsOptimistic() {
		return false
	}
	r.removeID(heldID)
	r.revision++
	return true
}

// Remove deletes id ahead of server confirmation and tombstones it so page
// data cannot bring it back. The removed item is returned for rollback.
func (r *Reconciler) Remove(id string) (feed.Item, bool) {
	held, ok := r.byID[id]
	if !ok {
		return feed.Item{}, false
	}
	removed := held.Clone()
	r.removeID(id)
	r.tombstones[id] = tombstone{expires: r.clock.Now().Add(r.cfg.TombstoneTTL), local: true}
	r.dropBuffered(id)
	r.revision++
	return removed, true
}

// Restore undoes Remove. It refuses if the server deleted the item since.
func (r *Reconciler) Restore(it feed.Item) bool {
	ts, ok := r.tombstones[it.ID]
	if ok && !ts.local {
		return false
	}
	delete(r.tombstones, it.ID)
	if _, held := r.byID[it.ID]; held {
		return false
	}
	restored := it.Clone()
	r.insert(&restored)
	if restored.IsOptimistic() && restored.CorrelationID != "" {
		r.byCorrelation[restored.CorrelationID] = restored.ID
	}
	r.revision++
	return true
}

// ConfirmRemove turns the local tombstone of an optimistic delete into a
// server tombstone.
func (r *Reconciler) ConfirmRemove(id string) {
	r.tombstones[id] = tombstone{expires: r.clock.Now().Add(r.cfg.TombstoneTTL)}
}

// SetLike adds or removes userID from an item's likes without touching its
// version; the server echo carries the authoritative version. The change is
// held over newer server copies of the item until ReleaseLike.
func (r *Reconciler) SetLike(id, userID string, liked bool) bool {
	held, ok := r.byID[id]
	if !ok {
		return false
	}
	r.holds[id] = likeHold{userID: userID, liked: liked}
	if !held.SetLike(userID, liked) {
		return false
	}
	r.revision++
	return true
}

// ReleaseLike drops the pending like or unlike held on id. With revert the
// held change is undone on the listed item; it reports whether the list
// changed.
func (r *Reconciler) ReleaseLike(id string, revert bool) bool {
	h, ok := r.holds[id]
	if !ok {
		return false
	}
	delete(r.holds, id)
	held, listed := r.byID[id]
	if !revert || !listed || !held.SetLike(h.userID, !h.liked) {
		return false
	}
	r.revision++
	return true
}

// LiftTombstone removes the tombstone a pending delete placed on id, without
// restoring the item. Server tombstones stay.
func (r *Reconciler) LiftTombstone(id string) {
	if ts, ok := r.tombstones[id]; ok && ts.local {
		delete(r.tombstones, id)
	}
}

func (r *Reconciler) position(it *feed.Item) int {
	return sort.Search(len(r.items), func(i int) bool {
		return !feed.Newer(*r.items[i], *it)
	})
}

func (r *Reconciler) insert(it *feed.Item) {
	i := r.position(it)
	r.items = append(r.items, nil)
	copy(r.items[i+1:], r.items[i:])
	r.items[i] = it
	r.byID[it.ID] = it
}

func (r *Reconciler) removeID(id string) bool {
	held, ok := r.byID[id]
	if !ok {
		return false
	}
	i := r.position(held)
	if i < len(r.items) && r.items[i] == held {
		r.items = append(r.items[:i], r.items[i+1:]...)
	}
	delete(r.byID, id)
	if held.CorrelationID != "" && r.byCorrelation[held.CorrelationID] == id {
		delete(r.byCorrelation, held.CorrelationID)
	}
	return true
}

func (r *Reconciler) tombstoned(id string) bool {
	ts, ok := r.tombstones[id]
	return ok && r.clock.Now().Before(ts.expires)
}

func (r *Reconciler) buffer(ev feed.MutationEvent) {
	if r.cfg.LikeBufferSize <= 0 {
		r.logger.Debug("like buffering disabled, dropping like for unknown item", "id", ev.ItemID)
		return
	}
	r.buffered = append(r.buffered, bufferedLike{ev: ev, expires: r.clock.Now().Add(r.cfg.LikeBufferTTL)})
	if over := len(r.buffered) - r.cfg.LikeBufferSize; over > 0 {
		r.logger.Debug("like buffer full, evicting oldest", "evicted", over)
		r.buffered = append(r.buffered[:0], r.buffered[over:]...)
	}
}

// drainLikes applies buffered likes for id in arrival order.
func (r *Reconciler) drainLikes(id string) {
	held, ok := r.byID[id]
	if !ok {
		return
	}
	kept := r.buffered[:0]
	for _, b := range r.buffered {
		if b.ev.ItemID != id {
			kept = append(kept, b)
			continue
		}
		r.applyLike(held, b.ev)
	}
	r.buffered = kept
}

func (r *Reconciler) dropBuffered(id string) {
	kept := r.buffered[:0]
	for _, b := range r.buffered {
		if b.ev.ItemID != id {
			kept = append(kept, b)
		}
	}
	r.buffered = kept
}

func (r *Reconciler) prune() {
	now := r.clock.Now()
	for id, ts := range r.tombstones {
		if !now.Before(ts.expires) {
			delete(r.tombstones, id)
		}
	}
	kept := r.buffered[:0]
	for _, b := range r.buffered {
		if now.Before(b.expires) {
			kept = append(kept, b)
		}
	}
	r.buffered = kept
}

// Buffered returns the number of likes waiting for their item.
func (r *Reconciler) Buffered() int { return len(r.buffered) }
