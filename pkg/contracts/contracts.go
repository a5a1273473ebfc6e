// Package contracts holds canonical JSON documents for every message the
// feed server and its clients exchange. Tests on both sides check against
// them so the server's output and the client's parsing cannot drift apart.
package contracts

import (
	"encoding/json"
	"fmt"
	"sort"
)

// HTTP responses.
const (
	ItemListContract = `{
		"success": true,
		"items": [{
			"id": "01J0ZQ4X7Y3B5C8D9E0F1G2H3J",
			"authorId": "alice",
			"content": "hello world",
			"mediaRef": "https://img.test/cat.png",
			"createdAt": "2024-06-01T12:00:00Z",
			"likedBy": ["bob"],
			"likeCount": 1,
			"version": 3
		}]
	}`

	MutationContract = `{
		"success": true,
		"item": {
			"id": "01J0ZQ4X7Y3B5C8D9E0F1G2H3K",
			"authorId": "viewer",
			"content": "drafting a post",
			"createdAt": "2024-06-01T12:05:00Z",
			"likeCount": 0,
			"version": 1,
			"clientId": "local-1"
		}
	}`

	RejectionContract = `{
		"success": false,
		"error": "only the author can delete an item"
	}`

	FollowsContract = `{
		"following": ["alice", "bob"]
	}`
)

// Push frames.
const (
	NewItemFrameContract = `{
		"event": "new-item",
		"data": {
			"id": "01J0ZQ4X7Y3B5C8D9E0F1G2H3K",
			"authorId": "viewer",
			"content": "drafting a post",
			"createdAt": "2024-06-01T12:05:00Z",
			"likeCount": 0,
			"version": 1,
			"clientId": "local-1"
		}
	}`

	ItemDeletedFrameContract = `{
		"event": "item-deleted",
		"data": {"id": "01J0ZQ4X7Y3B5C8D9E0F1G2H3J", "version": 4}
	}`

	ItemLikedFrameContract = `{
		"event": "item-liked",
		"data": {
			"id": "01J0ZQ4X7Y3B5C8D9E0F1G2H3J",
			"userId": "bob",
			"liked": true,
			"likeCount": 2,
			"version": 4
		}
	}`

	FollowChangedFrameContract = `{
		"event": "follow-changed",
		"data": {"followerId": "viewer", "followeeId": "alice", "following": true}
	}`

	PresenceFrameContract = `{
		"event": "presence",
		"data": {"viewerId": "viewer", "filter": "following"}
	}`
)

// All maps contract names to documents.
var All = map[string]string{
	"ItemList":      ItemListContract,
	"Mutation":      MutationContract,
	"Rejection":     RejectionContract,
	"Follows":       FollowsContract,
	"NewItem":       NewItemFrameContract,
	"ItemDeleted":   ItemDeletedFrameContract,
	"ItemLiked":     ItemLikedFrameContract,
	"FollowChanged": FollowChangedFrameContract,
	"Presence":      PresenceFrameContract,
}

// Fields returns the sorted keys of the JSON object doc. A non-empty path
// descends through nested objects first, taking the first element of any
// array on the way.
func Fields(doc []byte, path ...string) ([]string, error) {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, err
	}
	for _, key := range path {
		if arr, ok := v.([]any); ok {
			if len(arr) == 0 {
				return nil, fmt.Errorf("empty array before %q", key)
			}
			v = arr[0]
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%q is not inside an object", key)
		}
		v, ok = obj[key]
		if !ok {
			return nil, fmt.Errorf("missing field %q", key)
		}
	}
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		v = arr[0]
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("not an object")
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
