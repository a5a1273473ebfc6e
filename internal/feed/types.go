// Package feed defines the shared vocabulary of the sync engine.
//
// This package enables feedsync to:
// - Describe feed items and their origin (confirmed or optimistic)
// - Name the filters that partition the feed universe
// - Carry normalized mutation events from the push channel
// - Order items newest-first with a deterministic tie-break
package feed

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Filter partitions the feed universe. Each filter has its own pagination
// and event-routing rules.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterFollowing Filter = "following"
	FilterTrending  Filter = "trending"
)

// DefaultFilter is the unfiltered feed used as the fetch fallback.
const DefaultFilter = FilterAll

// ParseFilter validates a filter name. The empty string selects the default.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "":
		return DefaultFilter, nil
	case FilterAll, FilterFollowing, FilterTrending:
		return Filter(s), nil
	default:
		return "", fmt.Errorf("invalid filter %q: must be 'all', 'following' or 'trending'", s)
	}
}

// Origin tells whether an item has been acknowledged by the server.
type Origin int

const (
	OriginConfirmed Origin = iota
	OriginOptimistic
)

// String returns a string representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginConfirmed:
		return "confirmed"
	case OriginOptimistic:
		return "optimistic"
	default:
		return "unknown"
	}
}

// Item is a feed entry.
type Item struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	MediaRef  string    `json:"media_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// LikedBy is kept sorted; LikeCount is the server aggregate and never
	// drops below len(LikedBy).
	LikedBy   []string `json:"liked_by,omitempty"`
	LikeCount int      `json:"like_count"`
	Version   int64    `json:"version"`
	Origin    Origin   `json:"origin"`
	// CorrelationID is the client-assigned id of the optimistic action that
	// created the item, echoed back by the server on confirmation.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	if it.LikedBy != nil {
		it.LikedBy = append([]string(nil), it.LikedBy...)
	}
	return it
}

// IsOptimistic reports whether the item is awaiting server confirmation.
func (it Item) IsOptimistic() bool {
	return it.Origin == OriginOptimistic
}

// HasLike reports whether userID is in LikedBy.
func (it Item) HasLike(userID string) bool {
	i := sort.SearchStrings(it.LikedBy, userID)
	return i < len(it.LikedBy) && it.LikedBy[i] == userID
}

// SetLike adds or removes userID from LikedBy and adjusts LikeCount. It
// reports whether membership changed, so repeated calls are idempotent.
func (it *Item) SetLike(userID string, liked bool) bool {
	i := sort.SearchStrings(it.LikedBy, userID)
	present := i < len(it.LikedBy) && it.LikedBy[i] == userID
	switch {
	case liked && !present:
		it.LikedBy = append(it.LikedBy, "")
		copy(it.LikedBy[i+1:], it.LikedBy[i:])
		it.LikedBy[i] = userID
		it.LikeCount++
	case !liked && present:
		it.LikedBy = append(it.LikedBy[:i], it.LikedBy[i+1:]...)
		if it.LikeCount > 0 {
			it.LikeCount--
		}
	default:
		return false
	}
	if it.LikeCount < len(it.LikedBy) {
		it.LikeCount = len(it.LikedBy)
	}
	return true
}

// Newer orders items newest-first: CreatedAt descending, ties broken by ID
// descending.
func Newer(a, b Item) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Kind identifies a mutation event.
type Kind int

const (
	KindCreated Kind = iota + 1
	KindUpdated
	KindDeleted
	KindLiked
	KindFollowChanged
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindUpdated:
		return "updated"
	case KindDeleted:
		return "deleted"
	case KindLiked:
		return "liked"
	case KindFollowChanged:
		return "follow-changed"
	default:
		return "unknown"
	}
}

// LikePayload describes a like or unlike of an item.
type LikePayload struct {
	UserID string
	Liked  bool
	// Count is the server aggregate after the mutation; 0 means unknown.
	Count int
}

// FollowPayload describes a follow relationship change.
type FollowPayload struct {
	FollowerID string
	FolloweeID string
	Following  bool
}

// MutationEvent is a normalized push event.
type MutationEvent struct {
	Kind    Kind
	ItemID  string
	Version int64

	// Exactly one payload is set, according to Kind. Deleted carries none.
	Item   *Item
	Like   *LikePayload
	Follow *FollowPayload

	// ObservedAt is the local receipt time. It is bookkeeping only and is
	// never compared against CreatedAt.
	ObservedAt time.Time
	ReceiptID  string
}

// Frame is a named message on the push channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame names emitted by the server.
const (
	FrameNewItem       = "new-item"
	FrameItemUpdated   = "item-updated"
	FrameItemDeleted   = "item-deleted"
	FrameItemLiked     = "item-liked"
	FrameFollowChanged = "follow-changed"

	// FramePresence is sent by the client once the channel is connected.
	FramePresence = "presence"
)

// Page is one page of the pull API.
type Page struct {
	Filter Filter
	Number int
	Items  []Item
}
