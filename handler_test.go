package gatedchat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klipach/gatedchat/apperr"
	"github.com/klipach/gatedchat/auth"
	"github.com/klipach/gatedchat/chat"
	"github.com/klipach/gatedchat/contract"
	"github.com/klipach/gatedchat/objstore"
	"github.com/klipach/gatedchat/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVerifier accepts "Bearer <uid>" for known users.
type fakeVerifier map[string]contract.User

func (f fakeVerifier) Verify(r *http.Request) (contract.User, error) {
	u, ok := f[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if !ok {
		return contract.User{}, auth.ErrUnauthenticated
	}
	return u, nil
}

var users = fakeVerifier{
	"A": {UID: "A", DisplayName: "Alice", Email: "alice@example.com"},
	"B": {UID: "B", DisplayName: "Bob", Email: "bob@example.com"},
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	core := chat.New(memstore.New(), objstore.NewMemory("bucket"), chat.Options{
		EnableReadReceipts: true,
		EnableGroupImages:  true,
	})
	h := NewHandler(core, users)
	for uid := range users {
		rec := do(t, h, uid, http.MethodPost, "/session", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	return h
}

func do(t *testing.T, h http.Handler, uid, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+uid)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUnauthenticated(t *testing.T) {
	h := newTestHandler(t)
	rec := do(t, h, "", http.MethodPost, "/session", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, "mallory", http.MethodGet, "/users/A/last-seen", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPrivateMessagingFlow(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, "A", http.MethodPost, "/conversations/B/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var sent contract.SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
	assert.Equal(t, "requested", sent.Outcome)
	assert.Nil(t, sent.Message)

	rec = do(t, h, "B", http.MethodPost, "/requests/A/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())

	rec = do(t, h, "A", http.MethodPost, "/conversations/B/messages", `{"text":"hi again"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
	assert.Equal(t, "delivered", sent.Outcome)
	require.NotNil(t, sent.Message)
	assert.Equal(t, "hi again", sent.Message.Text)

	rec = do(t, h, "B", http.MethodGet, "/conversations/A/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []contract.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "A", history[0].SenderID)

	rec = do(t, h, "A", http.MethodDelete, "/session", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, "B", http.MethodGet, "/users/A/last-seen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var seen contract.LastSeenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &seen))
	assert.NotEmpty(t, seen.LastSeen)
}

func TestMessageTextIsStoredVerbatim(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(t, h, "B", http.MethodPost, "/contacts", `{"uid":"A"}`).Code)
	rec := do(t, h, "A", http.MethodPost, "/groups", `{"name":"<b>Team</b>"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var g contract.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, "Team", g.Name, "markup is stripped from names")

	tests := []struct {
		name string
		text string
	}{
		{name: "comparison", text: "if a<b && c>d"},
		{name: "tag in prose", text: "use <div> for layout"},
		{name: "angle brackets", text: "x <y> z"},
		{name: "markup", text: "<b>hi</b> &amp; bye"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(contract.SendMessageRequest{Text: tt.text})
			require.NoError(t, err)

			rec := do(t, h, "A", http.MethodPost, "/conversations/B/messages", string(body))
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			var sent contract.SendMessageResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
			require.NotNil(t, sent.Message)
			assert.Equal(t, tt.text, sent.Message.Text)

			rec = do(t, h, "A", http.MethodPost, "/groups/"+g.ID+"/messages", string(body))
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			var m contract.Message
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
			assert.Equal(t, tt.text, m.Text)
		})
	}

	rec = do(t, h, "B", http.MethodGet, "/conversations/A/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []contract.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.text, history[i].Text)
	}
}

func TestErrorStatuses(t *testing.T) {
	h := newTestHandler(t)
	rec := do(t, h, "A", http.MethodPost, "/groups", `{"name":"Team"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var g contract.Group
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))

	tests := []struct {
		name     string
		uid      string
		method   string
		path     string
		body     string
		expected int
	}{
		{name: "unknown recipient", uid: "A", method: http.MethodPost, path: "/conversations/ghost/messages", body: `{"text":"hi"}`, expected: http.StatusNotFound},
		{name: "empty message", uid: "A", method: http.MethodPost, path: "/conversations/B/messages", body: `{"text":" \n "}`, expected: http.StatusBadRequest},
		{name: "malformed body", uid: "A", method: http.MethodPost, path: "/contacts", body: `{`, expected: http.StatusBadRequest},
		{name: "non-member group send", uid: "B", method: http.MethodPost, path: "/groups/" + g.ID + "/messages", body: `{"text":"hi"}`, expected: http.StatusForbidden},
		{name: "member group send", uid: "A", method: http.MethodPost, path: "/groups/" + g.ID + "/messages", body: `{"text":"hi"}`, expected: http.StatusCreated},
		{name: "group image", uid: "A", method: http.MethodPost, path: "/groups/" + g.ID + "/images", body: "\x89PNG", expected: http.StatusCreated},
		{name: "join", uid: "B", method: http.MethodPost, path: "/groups/" + g.ID + "/members", expected: http.StatusOK},
		{name: "add contact by email", uid: "A", method: http.MethodPost, path: "/contacts", body: `{"email":"bob@example.com"}`, expected: http.StatusCreated},
		{name: "rename", uid: "A", method: http.MethodPatch, path: "/profile", body: `{"displayName":"Al"}`, expected: http.StatusOK},
		{name: "wrong method", uid: "A", method: http.MethodPut, path: "/groups", expected: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.uid, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.expected, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{err: apperr.Validation("op", "bad"), expected: http.StatusBadRequest},
		{err: apperr.NotFound("op", "gone"), expected: http.StatusNotFound},
		{err: apperr.Permission("op", "no"), expected: http.StatusForbidden},
		{err: apperr.Consistency("op", errors.New("tx")), expected: http.StatusConflict},
		{err: apperr.Transient("op", errors.New("down")), expected: http.StatusServiceUnavailable},
		{err: fmt.Errorf("%w: expired", auth.ErrUnauthenticated), expected: http.StatusUnauthorized},
		{err: errors.New("boom"), expected: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.expected, statusOf(tt.err))
		})
	}
}

func TestConversationStream(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusCreated, do(t, h, "A", http.MethodPost, "/contacts", `{"uid":"B"}`).Code)
	require.Equal(t, http.StatusCreated, do(t, h, "B", http.MethodPost, "/contacts", `{"uid":"A"}`).Code)
	require.Equal(t, http.StatusCreated, do(t, h, "A", http.MethodPost, "/conversations/B/messages", `{"text":"one"}`).Code)

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/conversations/A/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer B")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan contract.StreamEvent[contract.Message], 16)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var ev contract.StreamEvent[contract.Message]
			if json.Unmarshal([]byte(line), &ev) == nil {
				frames <- ev
			}
		}
	}()

	ev := <-frames
	assert.True(t, ev.Initial)
	require.Len(t, ev.Items, 1)
	assert.Equal(t, "one", ev.Items[0].Text)

	require.Equal(t, http.StatusCreated, do(t, h, "A", http.MethodPost, "/conversations/B/messages", `{"text":"two"}`).Code)
	// read receipts add "modified" frames; wait for the new message
	var added *contract.Message
	for ev := range frames {
		for _, c := range ev.Changes {
			if c.Kind == "added" {
				added = c.Item
			}
		}
		if added != nil {
			break
		}
	}
	require.NotNil(t, added)
	assert.Equal(t, "two", added.Text)
	assert.Equal(t, "A", added.SenderID)
}

func TestGroupStreamOverWebsocket(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer A")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/groups", header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev contract.StreamEvent[contract.Group]
	require.NoError(t, conn.ReadJSON(&ev))
	assert.True(t, ev.Initial)
	assert.Empty(t, ev.Items)

	require.Equal(t, http.StatusCreated, do(t, h, "A", http.MethodPost, "/groups", `{"name":"Team"}`).Code)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.False(t, ev.Initial)
	require.Len(t, ev.Changes, 1)
	assert.Equal(t, "added", ev.Changes[0].Kind)
	assert.Equal(t, "Team", ev.Changes[0].Item.Name)
}
