// Package api tests document the expected behavior of the feed server client.
//
// Test requirements (this file serves as documentation):
// - Client lists a page of items for a filter
// - Client submits posts with a client id for correlation
// - Client deletes, likes and unlikes items
// - Server refusals surface as mutation rejections
// - Transport and server failures stay ordinary errors
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/pkg/auth"
)

func testToken() *auth.Token {
	return &auth.Token{AccessToken: "test-access-token", TokenType: "Bearer", ViewerID: "viewer"}
}

func wireItem(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":        id,
		"authorId":  "alice",
		"content":   "hello " + id,
		"createdAt": "2024-06-01T12:00:00Z",
		"likedBy":   []string{"bob"},
		"likeCount": 1,
		"version":   2,
	}
}

// TestClient_ListItems documents page fetching:
// - Sends filter, page and limit as query parameters
// - Authenticates with the bearer token
// - Returns items converted to the feed model
func TestClient_ListItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			t.Errorf("expected Bearer token in Authorization header, got %q", got)
		}
		if r.URL.Path != "/items" {
			t.Errorf("expected /items, got %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("filter") != "following" || q.Get("page") != "2" || q.Get("limit") != "20" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items":   []interface{}{wireItem("p1"), wireItem("p2")},
			"success": true,
		})
	}))
	defer server.Close()

	client := NewClient(testToken(), WithBaseURL(server.URL))
	items, err := client.ListItems(context.Background(), feed.FilterFollowing, 2, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "p1" || items[0].AuthorID != "alice" || items[0].Version != 2 {
		t.Errorf("item not converted correctly: %+v", items[0])
	}
	if !items[0].HasLike("bob") {
		t.Error("likes should survive conversion")
	}
}

func TestClient_ListItems_UnsuccessfulBodyIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{}, "success": false, "error": "index rebuilding"})
	}))
	defer server.Close()

	_, err := NewClient(testToken(), WithBaseURL(server.URL)).ListItems(context.Background(), feed.FilterAll, 1, 20)
	if err == nil {
		t.Fatal("success=false should be reported as an error")
	}
}

// TestClient_CreateItem documents post submission:
// - POSTs the content and the client id
// - Returns the server's canonical item, with the client id echoed back
func TestClient_CreateItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/items" {
			t.Errorf("expected POST /items, got %s %s", r.Method, r.URL.Path)
		}
		var req CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Content != "hi there" || req.ClientID != "local-1" {
			t.Errorf("unexpected request: %+v", req)
		}
		item := wireItem("p9")
		item["clientId"] = req.ClientID
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "item": item})
	}))
	defer server.Close()

	client := NewClient(testToken(), WithBaseURL(server.URL))
	item, err := client.CreateItem(context.Background(), CreateRequest{Content: "hi there", ClientID: "local-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item == nil || item.ID != "p9" {
		t.Fatalf("expected server item p9, got %+v", item)
	}
	if item.CorrelationID != "local-1" {
		t.Errorf("client id should come back as correlation id, got %q", item.CorrelationID)
	}
}

func TestClient_LikeAndUnlikeUseMethods(t *testing.T) {
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "item": wireItem("p1")})
	}))
	defer server.Close()

	client := NewClient(testToken(), WithBaseURL(server.URL))
	if _, err := client.LikeItem(context.Background(), "p1", true); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	if _, err := client.LikeItem(context.Background(), "p1", false); err != nil {
		t.Fatalf("unlike failed: %v", err)
	}
	if _, err := client.DeleteItem(context.Background(), "p1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	want := []string{"POST /items/p1/like", "DELETE /items/p1/like", "DELETE /items/p1"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], calls[i])
		}
	}
}

func TestClient_DeleteWithoutItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer server.Close()

	item, err := NewClient(testToken(), WithBaseURL(server.URL)).DeleteItem(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item != nil {
		t.Errorf("expected no item, got %+v", item)
	}
}

func TestClient_Follows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/follows":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"following": []string{"alice"}})
		case r.URL.Path == "/follows/alice":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(testToken(), WithBaseURL(server.URL))
	if err := client.Follow(context.Background(), "alice", true); err != nil {
		t.Fatalf("follow failed: %v", err)
	}
	following, err := client.Following(context.Background())
	if err != nil {
		t.Fatalf("listing follows failed: %v", err)
	}
	if len(following) != 1 || following[0] != "alice" {
		t.Errorf("expected [alice], got %v", following)
	}
}

func TestAC590_Mutation_RefusalIsRejection(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]interface{}
		reason string
	}{
		{"forbidden with reason", http.StatusForbidden, map[string]interface{}{"success": false, "error": "not your post"}, "not your post"},
		{"not found without body", http.StatusNotFound, nil, "Not Found"},
		{"ok but unsuccessful", http.StatusOK, map[string]interface{}{"success": false, "error": "content too long"}, "content too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != nil {
					_ = json.NewEncoder(w).Encode(tt.body)
				}
			}))
			defer server.Close()

			_, err := NewClient(testToken(), WithBaseURL(server.URL)).DeleteItem(context.Background(), "p1")
			if !errors.Is(err, feed.ErrMutationRejected) {
				t.Fatalf("user should see a rejection, got %v", err)
			}
			var rejected *feed.MutationRejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("expected *feed.MutationRejectedError, got %T", err)
			}
			if rejected.Reason != tt.reason || rejected.ItemID != "p1" || rejected.Action != "delete" {
				t.Errorf("unexpected rejection: %+v", rejected)
			}
		})
	}
}

func TestAC591_Mutation_ServerErrorIsNotRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(testToken(), WithBaseURL(server.URL)).LikeItem(context.Background(), "p1", true)
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, feed.ErrMutationRejected) {
		t.Error("a server failure is not a refusal of the mutation")
	}
}
