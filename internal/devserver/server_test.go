package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/pkg/auth"
)

type harness struct {
	srv    *Server
	http   *httptest.Server
	issuer *auth.Issuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	issuer, err := auth.NewIssuer("test-secret")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := New(seeded(), issuer, WithLogger(logger))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &harness{srv: srv, http: ts, issuer: issuer}
}

func (h *harness) token(t *testing.T, viewer string) string {
	t.Helper()
	tok, err := h.issuer.Issue(viewer, time.Hour)
	require.NoError(t, err)
	return tok.AccessToken
}

func (h *harness) do(t *testing.T, viewer, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.http.URL+path, r)
	require.NoError(t, err)
	if viewer != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, viewer))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) dial(t *testing.T, viewer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + WebSocketPath + "?filter=all"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token(t, viewer))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.srv.Clients() > 0 }, 2*time.Second, 10*time.Millisecond,
		"client should be registered after the upgrade")
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) feed.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f feed.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestAC655_Server_RequiresToken(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, "", http.MethodGet, "/items", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])

	req, err := http.NewRequest(http.MethodGet, h.http.URL+"/items", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, _ = h.do(t, "", http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status, "health check should not need a token")
}

func TestAC656_Server_ListsPages(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, "viewer", http.MethodGet, "/items?filter=all&page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].(map[string]any)["id"])

	status, _ = h.do(t, "viewer", http.MethodGet, "/items?filter=popular", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAC657_Server_MutationsPushFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "viewer")

	status, body := h.do(t, "viewer", http.MethodPost, "/items", map[string]string{"content": "hi", "clientId": "local-1"})
	require.Equal(t, http.StatusCreated, status)
	created := body["item"].(map[string]any)
	assert.Equal(t, "local-1", created["clientId"])

	f := readFrame(t, conn)
	assert.Equal(t, feed.FrameNewItem, f.Event)
	var wire feed.WireItem
	require.NoError(t, json.Unmarshal(f.Data, &wire))
	assert.Equal(t, created["id"], wire.ID)
	assert.Equal(t, "local-1", wire.ClientID)

	status, body = h.do(t, "viewer", http.MethodPost, "/items/a/like", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["item"].(map[string]any)["likeCount"])

	f = readFrame(t, conn)
	assert.Equal(t, feed.FrameItemLiked, f.Event)
	assert.JSONEq(t, `{"id":"a","userId":"viewer","liked":true,"likeCount":1,"version":2}`, string(f.Data))

	status, _ = h.do(t, "viewer", http.MethodDelete, "/items/"+wire.ID, nil)
	require.Equal(t, http.StatusOK, status)
	f = readFrame(t, conn)
	assert.Equal(t, feed.FrameItemDeleted, f.Event)
	assert.JSONEq(t, `{"id":"`+wire.ID+`","version":2}`, string(f.Data))

	status, _ = h.do(t, "viewer", http.MethodPost, "/follows/bob", nil)
	require.Equal(t, http.StatusOK, status)
	f = readFrame(t, conn)
	assert.Equal(t, feed.FrameFollowChanged, f.Event)
	assert.JSONEq(t, `{"followerId":"viewer","followeeId":"bob","following":true}`, string(f.Data))

	_, body = h.do(t, "viewer", http.MethodGet, "/follows", nil)
	assert.Equal(t, []any{"bob"}, body["following"])
}

func TestAC658_Server_RejectionsUseStatusCodes(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, "viewer", http.MethodDelete, "/items/a", nil)
	assert.Equal(t, http.StatusForbidden, status, "only the author may delete")
	assert.Equal(t, false, body["success"])

	status, _ = h.do(t, "viewer", http.MethodPost, "/items/missing/like", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(t, "viewer", http.MethodPost, "/items", map[string]string{"content": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = h.do(t, "viewer", http.MethodPost, "/follows/viewer", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_RetriedPostDoesNotPushTwice(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "viewer")

	for i := 0; i < 2; i++ {
		status, _ := h.do(t, "viewer", http.MethodPost, "/items", map[string]string{"content": "once", "clientId": "local-9"})
		require.Equal(t, http.StatusCreated, status)
	}
	_, _ = h.do(t, "viewer", http.MethodPost, "/items/b/like", nil)

	assert.Equal(t, feed.FrameNewItem, readFrame(t, conn).Event)
	assert.Equal(t, feed.FrameItemLiked, readFrame(t, conn).Event, "the retry should not produce a second new-item frame")
}

func TestServer_WebSocketNeedsToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + WebSocketPath

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_PresenceFrameIsAccepted(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "viewer")

	require.NoError(t, conn.WriteJSON(feed.Frame{Event: feed.FramePresence, Data: json.RawMessage(`{"viewerId":"viewer","filter":"following"}`)}))
	_, _ = h.do(t, "viewer", http.MethodPost, "/items/c/like", nil)
	assert.Equal(t, feed.FrameItemLiked, readFrame(t, conn).Event, "the connection should stay open after presence")
}
