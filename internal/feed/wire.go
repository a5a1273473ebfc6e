package feed

import (
	"errors"
	"sort"
	"time"
)

// WireItem is the JSON shape of an item on the pull API, the mutation API
// and the push channel.
type WireItem struct {
	ID        string   `json:"id"`
	AuthorID  string   `json:"authorId"`
	Content   string   `json:"content"`
	MediaRef  string   `json:"mediaRef,omitempty"`
	CreatedAt string   `json:"createdAt"`
	LikedBy   []string `json:"likedBy,omitempty"`
	LikeCount int      `json:"likeCount"`
	Version   int64    `json:"version"`
	ClientID  string   `json:"clientId,omitempty"`
}

// ToItem converts a wire item into a confirmed Item.
func (w WireItem) ToItem() (Item, error) {
	if w.ID == "" {
		return Item{}, errors.New("item has no id")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil {
		return Item{}, errors.New("item has invalid createdAt")
	}

	var likedBy []string
	if len(w.LikedBy) > 0 {
		likedBy = append([]string(nil), w.LikedBy...)
		sort.Strings(likedBy)
		likedBy = dedupSorted(likedBy)
	}
	count := w.LikeCount
	if count < len(likedBy) {
		count = len(likedBy)
	}

	return Item{
		ID:            w.ID,
		AuthorID:      w.AuthorID,
		Content:       w.Content,
		MediaRef:      w.MediaRef,
		CreatedAt:     createdAt.UTC(),
		LikedBy:       likedBy,
		LikeCount:     count,
		Version:       w.Version,
		Origin:        OriginConfirmed,
		CorrelationID: w.ClientID,
	}, nil
}

// ToWire converts an item into its wire shape.
func ToWire(it Item) WireItem {
	return WireItem{
		ID:        it.ID,
		AuthorID:  it.AuthorID,
		Content:   it.Content,
		MediaRef:  it.MediaRef,
		CreatedAt: it.CreatedAt.UTC().Format(time.RFC3339Nano),
		LikedBy:   append([]string(nil), it.LikedBy...),
		LikeCount: it.LikeCount,
		Version:   it.Version,
		ClientID:  it.CorrelationID,
	}
}

func dedupSorted(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i > 0 && v == s[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}
