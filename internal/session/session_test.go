// ABOUTME: Tests for the session coordinator against live HTTP and websocket test servers
// ABOUTME: Covers login/channel binding, HTTP fallback sync, optimistic mutations and unauthorized teardown

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/ember-go/internal/config"
	"github.com/emberchat/ember-go/internal/conn"
	"github.com/emberchat/ember-go/internal/creds"
	"github.com/emberchat/ember-go/internal/model"
	"github.com/emberchat/ember-go/internal/wire"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(expiresIn).Unix(), "sub": "7"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newChannelServer starts a websocket server whose handler runs once per
// accepted connection. Returns the ws:// URL.
func newChannelServer(t *testing.T, handler func(ws *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(ws, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newSession(t *testing.T, apiURL, channelURL string) *Session {
	t.Helper()
	cfg := config.Default(apiURL, channelURL)
	cfg.Channel.ReconnectDelay = 5 * time.Millisecond
	cfg.Channel.RequestTimeout = 200 * time.Millisecond
	cfg.API.RetryCount = 1
	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestLogin_ConnectsAndAuthenticatesChannel(t *testing.T) {
	token := signedToken(t, time.Hour)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/login/", r.URL.Path)
		http.SetCookie(w, &http.Cookie{Name: "renewal", Value: "cookie-1"})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"token": token, "user_id": 7})
	}))
	t.Cleanup(api.Close)

	paths := make(chan string, 1)
	authed := make(chan wire.Authenticate, 1)
	channelURL := newChannelServer(t, func(ws *websocket.Conn, r *http.Request) {
		defer ws.Close()
		paths <- r.URL.Path
		if err := ws.WriteJSON(wire.ConnectionEstablished{Type: wire.TypeConnectionEstablished, UserID: 7}); err != nil {
			return
		}
		for {
			var frame wire.Authenticate
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == wire.TypeAuthenticate {
				authed <- frame
			}
		}
	})

	s := newSession(t, api.URL, channelURL)
	require.NoError(t, s.Login(context.Background(), "alice", "s3cret"))

	assert.Equal(t, int64(7), s.UserID())
	assert.Equal(t, "/7/", <-paths, "channel address carries the user identity")

	select {
	case frame := <-authed:
		assert.Equal(t, token, frame.Token, "channel is bound with the bearer token")
	case <-time.After(time.Second):
		t.Fatal("authenticate frame never arrived")
	}
	assert.True(t, s.Connected())
}

func TestSyncConversations_FallsBackOverHTTPWhenChannelClosed(t *testing.T) {
	token := signedToken(t, time.Hour)
	var refreshHits, chatsHits atomic.Int32

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/refresh_token/":
			refreshHits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"token": token})
		case "/api/get_chats/":
			chatsHits.Add(1)
			assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(wire.Chats{Type: wire.TypeChats, Chats: []model.Conversation{
				{ID: 1, Title: "general"},
				{ID: 2, Title: "random"},
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(api.Close)

	// The channel is never connected: the dual-transport call must go
	// straight to HTTP, and the token renewal inside it must fall back to
	// HTTP too.
	s := newSession(t, api.URL, "ws://127.0.0.1:1/channel")

	convs, err := s.SyncConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "general", convs[0].Title)

	assert.Equal(t, int32(1), refreshHits.Load())
	assert.Equal(t, int32(1), chatsHits.Load())

	cached, ok := s.Cache().Conversation(2)
	require.True(t, ok)
	assert.Equal(t, "random", cached.Title)
}

func TestSyncConversation_MergesSummaryAndMessages(t *testing.T) {
	token := signedToken(t, time.Hour)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/refresh_token/":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"token": token})
		case "/api/get_chat/42/":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(wire.Chat{
				Type:   wire.TypeChat,
				ChatID: 42,
				Chat:   model.Conversation{ID: 42, Title: "dev"},
				Messages: []model.Message{
					{ID: 1, Value: "first"},
					{ID: 2, Value: "second"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(api.Close)

	s := newSession(t, api.URL, "ws://127.0.0.1:1/channel")

	msgs, err := s.SyncConversation(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	conv, ok := s.Cache().Conversation(42)
	require.True(t, ok)
	assert.Equal(t, "dev", conv.Title)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(2), conv.LastMessage.ID, "pointer follows the fetched tail")
}

func TestSendMessage_RequiresOpenChannel(t *testing.T) {
	s := newSession(t, "http://127.0.0.1:1", "ws://127.0.0.1:1/channel")

	err := s.SendMessage(1, "hello", nil)
	assert.ErrorIs(t, err, conn.ErrNotConnected)
}

func TestDeleteAndEdit_OptimisticWithClosedChannel(t *testing.T) {
	s := newSession(t, "http://127.0.0.1:1", "ws://127.0.0.1:1/channel")
	s.Cache().ApplyConversation(model.Conversation{ID: 1, Title: "general"})
	s.Cache().ApplyPush(1, model.Message{ID: 7, Value: "typo"})
	s.Cache().ApplyPush(1, model.Message{ID: 8, Value: "doomed"})

	// The cache mutates even though the fire-and-forget instruction can't
	// be delivered; there is no rollback path.
	assert.True(t, s.EditMessage(1, 7, "fixed"))
	assert.Equal(t, "fixed", s.Cache().Messages(1)[0].Value)

	assert.True(t, s.DeleteMessage(1, 8))
	require.Len(t, s.Cache().Messages(1), 1)

	assert.False(t, s.DeleteMessage(1, 99), "unknown ids send nothing")
}

func TestSelectConversation_ClearsPreviousDraft(t *testing.T) {
	s := newSession(t, "http://127.0.0.1:1", "ws://127.0.0.1:1/channel")
	s.SelectConversation(1)
	s.Cache().SetDraft(1, "half-typed")
	s.SelectConversation(2)
	assert.Empty(t, s.Cache().Draft(1))
}

func TestUnauthorizedBroadcastTearsSessionDown(t *testing.T) {
	token := signedToken(t, time.Hour)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"token": token, "user_id": 7})
	}))
	t.Cleanup(api.Close)

	channelURL := newChannelServer(t, func(ws *websocket.Conn, r *http.Request) {
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	s := newSession(t, api.URL, channelURL)
	require.NoError(t, s.Login(context.Background(), "alice", "s3cret"))
	require.True(t, s.Connected())

	s.Bus().Publish(creds.EventUnauthorized, wire.Synthetic(creds.EventUnauthorized, creds.Unauthorized{Reason: "refresh rejected"}))

	waitFor(t, time.Second, "local logout", func() bool { return !s.Connected() })
	assert.Equal(t, int64(0), s.UserID())
}

func TestLogin_FailureSurfacesError(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(api.Close)

	s := newSession(t, api.URL, "ws://127.0.0.1:1/channel")
	err := s.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.False(t, s.Connected())
	assert.Equal(t, int64(0), s.UserID())
}

func TestLogout_TearsDownEvenWhenServerFails(t *testing.T) {
	token := signedToken(t, time.Hour)
	var loggedIn atomic.Bool
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login/":
			loggedIn.Store(true)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"token": token, "user_id": 7})
		case "/api/logout/":
			http.Error(w, "oops", http.StatusInternalServerError)
		default:
			// Logout retries and refreshes may land here; fail them all.
			http.Error(w, "oops", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(api.Close)

	channelURL := newChannelServer(t, func(ws *websocket.Conn, r *http.Request) {
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	s := newSession(t, api.URL, channelURL)
	require.NoError(t, s.Login(context.Background(), "alice", "s3cret"))

	err := s.Logout(context.Background())
	require.Error(t, err)
	waitFor(t, time.Second, "channel teardown", func() bool { return !s.Connected() })
	assert.Equal(t, int64(0), s.UserID())
}
