// ABOUTME: Outbound HTTP gateway: bearer injection, bounded transient retry, single 401 cycle
// ABOUTME: HTTP companions to the channel requests plus login/logout session endpoints

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/emberchat/ember-go/internal/creds"
	"github.com/emberchat/ember-go/internal/events"
	"github.com/emberchat/ember-go/internal/wire"
)

// TokenSource is the slice of the credential store the gateway needs.
type TokenSource interface {
	RefreshIfNeeded(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// APIError is a non-2xx response surfaced to the caller. 4xx responses other
// than 401 arrive here without any retry.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 128 {
		body = body[:128] + "..."
	}
	return fmt.Sprintf("gateway: http %d: %s", e.Status, body)
}

// Options tunes the gateway. Zero values fall back to defaults.
type Options struct {
	// Jar carries the renewal cookie; share it with the login call and the
	// HTTP refresh strategy.
	Jar http.CookieJar
	// Timeout bounds each plain request.
	Timeout time.Duration
	// UploadTimeout bounds each upload attempt.
	UploadTimeout time.Duration
	// RetryCount is the number of transient retries after the first attempt.
	RetryCount int
}

// Gateway issues single outbound calls against the chat API.
type Gateway struct {
	http    *resty.Client
	uploads *resty.Client
	creds   TokenSource
	bus     *events.Bus
	logger  *slog.Logger
}

// New creates a gateway for the given API base URL.
func New(baseURL string, tokens TokenSource, bus *events.Bus, logger *slog.Logger, opts Options) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UploadTimeout == 0 {
		opts.UploadTimeout = 5 * time.Minute
	}
	if opts.RetryCount == 0 {
		opts.RetryCount = 2
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true // network failure
			}
			return r.StatusCode() >= http.StatusInternalServerError
		})

	// Uploads never retry transparently; progress reporting and a replayed
	// body don't mix.
	uploads := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.UploadTimeout)

	if opts.Jar != nil {
		client.SetCookieJar(opts.Jar)
		uploads.SetCookieJar(opts.Jar)
	}

	return &Gateway{
		http:    client,
		uploads: uploads,
		creds:   tokens,
		bus:     bus,
		logger:  logger.With("component", "gateway"),
	}
}

// GetChats fetches all conversations.
func (g *Gateway) GetChats(ctx context.Context) (*wire.Chats, error) {
	var out wire.Chats
	resp, err := g.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).Get("/api/get_chats/")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	out.Type = wire.TypeChats
	return &out, nil
}

// GetChat fetches one conversation with its full message list.
func (g *Gateway) GetChat(ctx context.Context, chatID int64) (*wire.Chat, error) {
	var out wire.Chat
	resp, err := g.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).Get(fmt.Sprintf("/api/get_chat/%d/", chatID))
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	out.Type = wire.TypeChat
	out.ChatID = chatID
	return &out, nil
}

// GetGeneralInfo fetches the session-wide summary.
func (g *Gateway) GetGeneralInfo(ctx context.Context) (*wire.GeneralInfo, error) {
	var out wire.GeneralInfo
	resp, err := g.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).Get("/api/get_general_info/")
	})
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	out.Type = wire.TypeGeneralInfo
	return &out, nil
}

// LoginResult is the login response: the first bearer token plus the
// identity used to form the channel address. The renewal cookie lands in
// the shared jar as a side effect.
type LoginResult struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

// Login authenticates with username and password. This is the one call that
// doesn't carry a bearer token; there is nothing to refresh yet.
func (g *Gateway) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var out LoginResult
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&out).
		Post("/api/login/")
	if err != nil {
		return nil, fmt.Errorf("gateway: login: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

// Logout invalidates the server-side session.
func (g *Gateway) Logout(ctx context.Context) error {
	resp, err := g.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Post("/api/logout/")
	})
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

// execute runs one logical call: token pre-check, send, and at most one
// {force refresh, resend} cycle on 401. The structure is what guarantees
// the cycle cannot recurse.
func (g *Gateway) execute(ctx context.Context, build func(req *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	token, err := g.creds.RefreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := build(g.http.R().SetContext(ctx).SetAuthToken(token))
	if err != nil {
		return nil, fmt.Errorf("gateway: request: %w", err)
	}
	if resp.StatusCode() != http.StatusUnauthorized {
		return resp, nil
	}

	g.logger.Debug("401 received, refreshing and retrying once")
	token, err = g.creds.ForceRefresh(ctx)
	if err != nil {
		g.broadcastUnauthorized(err, "refresh after 401 failed")
		return nil, err
	}

	resp, err = build(g.http.R().SetContext(ctx).SetAuthToken(token))
	if err != nil {
		return nil, fmt.Errorf("gateway: retried request: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		g.broadcastUnauthorized(nil, "retry still unauthorized")
		return resp, creds.ErrUnauthorized
	}
	return resp, nil
}

// broadcastUnauthorized publishes the session-ending event, unless the
// credential store already did so for the same failure.
func (g *Gateway) broadcastUnauthorized(cause error, reason string) {
	if errors.Is(cause, creds.ErrUnauthorized) {
		return
	}
	g.bus.Publish(creds.EventUnauthorized,
		wire.Synthetic(creds.EventUnauthorized, creds.Unauthorized{Reason: reason}))
}

func apiError(resp *resty.Response) error {
	return &APIError{Status: resp.StatusCode(), Body: string(resp.Body())}
}
