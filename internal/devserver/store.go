package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/gauthierbraillon/feedsync/internal/clock"
	"github.com/gauthierbraillon/feedsync/internal/feed"
)

// TrendingThreshold is the like count from which an item is trending.
const TrendingThreshold = 2

var (
	ErrNotFound  = errors.New("item not found")
	ErrForbidden = errors.New("only the author can delete an item")
	ErrInvalid   = errors.New("invalid request")
)

// Store holds the development server's items and follow graph in memory.
type Store struct {
	clock clock.Clock

	mu       sync.Mutex
	items    map[string]*feed.Item
	follows  map[string]map[string]bool
	byClient map[string]string
}

// NewStore creates an empty store.
func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real{}
	}
	return &Store{
		clock:    c,
		items:    make(map[string]*feed.Item),
		follows:  make(map[string]map[string]bool),
		byClient: make(map[string]string),
	}
}

// Seed inserts items as they are, replacing held items with the same id.
func (s *Store) Seed(items ...feed.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		it := it.Clone()
		if it.Version == 0 {
			it.Version = 1
		}
		it.Origin = feed.OriginConfirmed
		s.items[it.ID] = &it
	}
}

// List returns one page of the feed as seen by viewer under filter.
func (s *Store) List(viewer string, filter feed.Filter, page, limit int) []feed.Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []feed.Item
	for _, it := range s.items {
		if s.visible(viewer, filter, it) {
			matched = append(matched, it.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool { return feed.Newer(matched[i], matched[j]) })

	if page < 1 || limit < 1 {
		return []feed.Item{}
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return []feed.Item{}
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end]
}

func (s *Store) visible(viewer string, filter feed.Filter, it *feed.Item) bool {
	switch filter {
	case feed.FilterFollowing:
		return it.AuthorID == viewer || s.follows[viewer][it.AuthorID]
	case feed.FilterTrending:
		return it.LikeCount >= TrendingThreshold
	default:
		return true
	}
}

// Create adds a post by author. A repeated clientID returns the item
// created the first time.
func (s *Store) Create(author, content, mediaRef, clientID string) (feed.Item, bool, error) {
	if strings.TrimSpace(content) == "" && mediaRef == "" {
		return feed.Item{}, false, ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if clientID != "" {
		if id, ok := s.byClient[author+"/"+clientID]; ok {
			if held, ok := s.items[id]; ok {
				return held.Clone(), false, nil
			}
		}
	}

	it := &feed.Item{
		ID:            ulid.Make().String(),
		AuthorID:      author,
		Content:       content,
		MediaRef:      mediaRef,
		CreatedAt:     s.clock.Now().UTC(),
		Version:       1,
		CorrelationID: clientID,
	}
	s.items[it.ID] = it
	if clientID != "" {
		s.byClient[author+"/"+clientID] = it.ID
	}
	return it.Clone(), true, nil
}

// Delete removes viewer's item and returns its last state with the
// deletion version.
func (s *Store) Delete(viewer, id string) (feed.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return feed.Item{}, ErrNotFound
	}
	if it.AuthorID != viewer {
		return feed.Item{}, ErrForbidden
	}
	delete(s.items, id)
	it.Version++
	return it.Clone(), nil
}

// Like sets viewer's like on an item. changed is false when the like was
// already in the requested state; the version only moves on a change.
func (s *Store) Like(viewer, id string, liked bool) (it feed.Item, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.items[id]
	if !ok {
		return feed.Item{}, false, ErrNotFound
	}
	if held.SetLike(viewer, liked) {
		held.Version++
		changed = true
	}
	return held.Clone(), changed, nil
}

// Follow records that follower follows (or stops following) followee.
func (s *Store) Follow(follower, followee string, following bool) (bool, error) {
	if followee == "" || follower == followee {
		return false, ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.follows[follower]
	if set == nil {
		set = make(map[string]bool)
		s.follows[follower] = set
	}
	if set[followee] == following {
		return false, nil
	}
	if following {
		set[followee] = true
	} else {
		delete(set, followee)
	}
	return true, nil
}

// Following lists the authors follower follows, sorted.
func (s *Store) Following(follower string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.follows[follower]))
	for id := range s.follows[follower] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
