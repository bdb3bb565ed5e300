// ABOUTME: Lifecycle coordinator owning the client's object graph
// ABOUTME: Login/resume/logout, channel binding, and the public sync and send operations

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/cookiejar"
	"strconv"
	"sync"

	"github.com/emberchat/ember-go/internal/cache"
	"github.com/emberchat/ember-go/internal/config"
	"github.com/emberchat/ember-go/internal/conn"
	"github.com/emberchat/ember-go/internal/creds"
	"github.com/emberchat/ember-go/internal/dualcall"
	"github.com/emberchat/ember-go/internal/events"
	"github.com/emberchat/ember-go/internal/gateway"
	"github.com/emberchat/ember-go/internal/model"
	"github.com/emberchat/ember-go/internal/wire"
)

// Session owns the singletons of one logged-in client. Construct it once at
// process start and pass it by reference; teardown happens on Logout or
// Close, or locally when the server declares the session unauthorized.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	bus    *events.Bus
	conn   *conn.Manager
	creds  *creds.Store
	gw     *gateway.Gateway
	caller *dualcall.Caller
	cache  *cache.Cache

	mu            sync.Mutex
	userID        int64
	stopHeartbeat context.CancelFunc
	subs          map[string]string
}

// New builds the object graph from configuration. Nothing connects yet;
// Login or Resume starts the lifecycle.
func New(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("session: cookie jar: %w", err)
	}

	bus := events.NewBus(logger)
	manager := conn.NewManager(conn.Config{
		URL:              cfg.Channel.URL,
		BaseDelay:        cfg.Channel.ReconnectDelay,
		MaxAttempts:      cfg.Channel.ReconnectBound,
		HandshakeTimeout: cfg.Channel.HandshakeTimeout,
	}, bus, logger)

	// Token renewal prefers the open channel and falls back to HTTP inside
	// the same attempt. The HTTP strategy shares the gateway's cookie jar so
	// the renewal cookie set at login reaches /api/refresh_token/.
	httpRefresh := creds.NewHTTPRefresh(cfg.API.BaseURL, jar, logger)
	channelRefresh := creds.NewChannelRefresh(manager, bus, httpRefresh, cfg.Auth.RefreshTimeout, logger)
	store := creds.NewStore(channelRefresh, bus, logger)

	gw := gateway.New(cfg.API.BaseURL, store, bus, logger, gateway.Options{
		Jar:           jar,
		Timeout:       cfg.API.Timeout,
		UploadTimeout: cfg.API.UploadTimeout,
		RetryCount:    cfg.API.RetryCount,
	})

	return &Session{
		cfg:    cfg,
		logger: logger.With("component", "session"),
		bus:    bus,
		conn:   manager,
		creds:  store,
		gw:     gw,
		caller: dualcall.NewCaller(manager, bus, logger),
		cache:  cache.New(logger),
	}, nil
}

// Bus exposes the event bus for collaborators that render live state.
func (s *Session) Bus() *events.Bus { return s.bus }

// Cache exposes the read side of the conversation cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// Connected reports whether the channel is currently open.
func (s *Session) Connected() bool { return s.conn.Open() }

// UserID returns the identity of the logged-in user, zero before login.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Login authenticates with the API, stores the bearer token in memory and
// brings the channel up under the user's identity.
func (s *Session) Login(ctx context.Context, username, password string) error {
	res, err := s.gw.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("session: login: %w", err)
	}
	s.creds.SetToken(res.Token)
	return s.start(res.UserID)
}

// Resume restores a session from the renewal cookie alone: the bearer token
// is re-derived over HTTP, never read from storage, and the identity comes
// from the general info endpoint.
func (s *Session) Resume(ctx context.Context) error {
	if _, err := s.creds.ForceRefresh(ctx); err != nil {
		return fmt.Errorf("session: resume: %w", err)
	}
	info, err := s.gw.GetGeneralInfo(ctx)
	if err != nil {
		return fmt.Errorf("session: resume: %w", err)
	}
	return s.start(info.Info.UserID)
}

func (s *Session) start(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopHeartbeat != nil {
		return fmt.Errorf("session: already started")
	}
	s.userID = userID

	s.cache.Attach(s.bus)
	s.subs = map[string]string{
		wire.TypeConnectionEstablished: s.bus.Subscribe(wire.TypeConnectionEstablished, func(wire.Envelope) {
			go s.authenticateChannel()
		}),
		creds.EventUnauthorized: s.bus.Subscribe(creds.EventUnauthorized, func(wire.Envelope) {
			go s.teardown()
		}),
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	s.stopHeartbeat = cancel
	s.creds.StartHeartbeat(hbCtx, s.cfg.Auth.HeartbeatPeriod)

	return s.conn.Connect(strconv.FormatInt(userID, 10))
}

// authenticateChannel binds the fresh channel to the session by sending the
// bearer token right after connection_established.
func (s *Session) authenticateChannel() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Auth.RefreshTimeout)
	defer cancel()
	token, err := s.creds.RefreshIfNeeded(ctx)
	if err != nil {
		s.logger.Warn("channel authentication skipped", "error", err)
		return
	}
	if err := s.conn.Send(wire.Authenticate{Type: wire.TypeAuthenticate, Token: token}); err != nil {
		s.logger.Warn("channel authentication send failed", "error", err)
	}
}

// Logout tells the server goodbye, then tears the session down locally.
// The local teardown happens even when the server call fails.
func (s *Session) Logout(ctx context.Context) error {
	err := s.gw.Logout(ctx)
	s.teardown()
	if err != nil {
		return fmt.Errorf("session: logout: %w", err)
	}
	return nil
}

// Close tears the session down without the server round trip.
func (s *Session) Close() { s.teardown() }

func (s *Session) teardown() {
	s.mu.Lock()
	if s.stopHeartbeat != nil {
		s.stopHeartbeat()
		s.stopHeartbeat = nil
	}
	for topic, id := range s.subs {
		s.bus.Unsubscribe(topic, id)
	}
	s.subs = nil
	s.userID = 0
	s.mu.Unlock()

	s.cache.Detach()
	s.conn.Disconnect()
	s.creds.Clear()
}

// SyncConversations fetches the conversation list, channel-first with HTTP
// fallback, and replaces the cache wholesale.
func (s *Session) SyncConversations(ctx context.Context) ([]model.Conversation, error) {
	out, err := s.caller.Do(ctx, dualcall.Request{
		Frame:       wire.Request{Type: wire.TypeGetChats},
		SuccessType: wire.TypeChats,
		Timeout:     s.cfg.Channel.RequestTimeout,
		Decode: func(env wire.Envelope) (any, error) {
			var payload wire.Chats
			if err := env.Bind(&payload); err != nil {
				return nil, err
			}
			return &payload, nil
		},
		Fallback: func(ctx context.Context) (any, error) {
			return s.gw.GetChats(ctx)
		},
	})
	if err != nil {
		return nil, err
	}
	s.cache.ReplaceConversations(out.(*wire.Chats).Chats)
	return s.cache.Conversations(), nil
}

// SyncConversation fetches one conversation's summary and full message list,
// keyed on its chat id, and replaces the cached messages wholesale.
func (s *Session) SyncConversation(ctx context.Context, chatID int64) ([]model.Message, error) {
	out, err := s.caller.Do(ctx, dualcall.Request{
		Frame:       wire.Request{Type: wire.TypeGetChat, ChatID: chatID},
		SuccessType: wire.TypeChat,
		Timeout:     s.cfg.Channel.RequestTimeout,
		Match: func(env wire.Envelope) bool {
			var payload wire.Chat
			return env.Bind(&payload) == nil && payload.ChatID == chatID
		},
		Decode: func(env wire.Envelope) (any, error) {
			var payload wire.Chat
			if err := env.Bind(&payload); err != nil {
				return nil, err
			}
			return &payload, nil
		},
		Fallback: func(ctx context.Context) (any, error) {
			return s.gw.GetChat(ctx, chatID)
		},
	})
	if err != nil {
		return nil, err
	}
	chat := out.(*wire.Chat)
	s.cache.ApplyConversation(chat.Chat)
	s.cache.ReplaceMessages(chatID, chat.Messages)
	return s.cache.Messages(chatID), nil
}

// GeneralInfo fetches the session-wide summary, channel-first.
func (s *Session) GeneralInfo(ctx context.Context) (*model.GeneralInfo, error) {
	out, err := s.caller.Do(ctx, dualcall.Request{
		Frame:       wire.Request{Type: wire.TypeGetGeneralInfo},
		SuccessType: wire.TypeGeneralInfo,
		Timeout:     s.cfg.Channel.RequestTimeout,
		Decode: func(env wire.Envelope) (any, error) {
			var payload wire.GeneralInfo
			if err := env.Bind(&payload); err != nil {
				return nil, err
			}
			return &payload, nil
		},
		Fallback: func(ctx context.Context) (any, error) {
			return s.gw.GetGeneralInfo(ctx)
		},
	})
	if err != nil {
		return nil, err
	}
	info := out.(*wire.GeneralInfo).Info
	return &info, nil
}

// SendMessage sends a new message over the channel. It fails with
// conn.ErrNotConnected while the channel is down; there is no HTTP path
// for sends.
func (s *Session) SendMessage(chatID int64, value string, files []model.Attachment) error {
	return s.conn.Send(wire.NewMessage{
		Type:   wire.TypeChatMessage,
		ChatID: chatID,
		Value:  value,
		Files:  files,
	})
}

// DeleteMessage removes the message from the cache immediately and tells
// the server fire-and-forget. A rejected instruction is not rolled back;
// the next fetch reconverges.
func (s *Session) DeleteMessage(chatID, messageID int64) bool {
	deleted := s.cache.DeleteMessage(chatID, messageID)
	if !deleted {
		return false
	}
	if err := s.conn.Send(wire.Request{Type: wire.TypeDeleteMessage, ChatID: chatID, MessageID: messageID}); err != nil {
		s.logger.Warn("delete instruction not delivered", "chat_id", chatID, "message_id", messageID, "error", err)
	}
	return true
}

// EditMessage mirrors DeleteMessage for edits.
func (s *Session) EditMessage(chatID, messageID int64, value string) bool {
	edited := s.cache.EditMessage(chatID, messageID, value)
	if !edited {
		return false
	}
	if err := s.conn.Send(wire.Request{Type: wire.TypeEditMessage, ChatID: chatID, MessageID: messageID, Value: value}); err != nil {
		s.logger.Warn("edit instruction not delivered", "chat_id", chatID, "message_id", messageID, "error", err)
	}
	return true
}

// SelectConversation makes a conversation active, discarding the previous
// one's draft.
func (s *Session) SelectConversation(chatID int64) {
	s.cache.Select(chatID)
}

// UploadAttachment streams a file to the server with progress reporting.
func (s *Session) UploadAttachment(ctx context.Context, chatID int64, filename string, size int64, open func() (io.ReadCloser, error), onProgress gateway.ProgressFunc) (*model.Attachment, error) {
	return s.gw.Upload(ctx, chatID, filename, size, open, onProgress)
}
