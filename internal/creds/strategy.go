// ABOUTME: Refresh strategies: channel round trip with HTTP fallback, and the HTTP endpoint itself
// ABOUTME: The renewal credential is an httpOnly cookie carried by the shared cookie jar

package creds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/emberchat/ember-go/internal/events"
	"github.com/emberchat/ember-go/internal/wire"
)

// HTTPRefresh renews the bearer token via POST /api/refresh_token/. The
// request carries no bearer header; authentication is the renewal cookie in
// the jar shared with the login call.
type HTTPRefresh struct {
	client *resty.Client
	logger *slog.Logger
}

// NewHTTPRefresh creates the HTTP strategy. The jar must be the same one the
// login request populated.
func NewHTTPRefresh(baseURL string, jar http.CookieJar, logger *slog.Logger) *HTTPRefresh {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetCookieJar(jar)
	return &HTTPRefresh{
		client: client,
		logger: logger.With("component", "creds"),
	}
}

// Refresh implements RefreshStrategy.
func (h *HTTPRefresh) Refresh(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(&out).
		Post("/api/refresh_token/")
	if err != nil {
		return "", fmt.Errorf("creds: refresh request: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if resp.IsError() {
		return "", fmt.Errorf("creds: refresh failed: %s", resp.Status())
	}
	if out.Token == "" {
		return "", errors.New("creds: refresh response missing token")
	}
	return out.Token, nil
}

// Channel is the slice of the connection manager the channel strategy needs.
type Channel interface {
	Open() bool
	Send(v any) error
}

// ChannelRefresh asks the server for a new token over the open channel and
// falls back to the HTTP strategy when the channel is closed, the round trip
// errors, or the answer doesn't arrive in time. The fallback happens inside
// the same renewal attempt; callers never see two refreshes.
type ChannelRefresh struct {
	ch       Channel
	bus      *events.Bus
	fallback RefreshStrategy
	timeout  time.Duration
	logger   *slog.Logger
}

// NewChannelRefresh creates the channel-first strategy.
func NewChannelRefresh(ch Channel, bus *events.Bus, fallback RefreshStrategy, timeout time.Duration, logger *slog.Logger) *ChannelRefresh {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ChannelRefresh{
		ch:       ch,
		bus:      bus,
		fallback: fallback,
		timeout:  timeout,
		logger:   logger.With("component", "creds"),
	}
}

type channelOutcome struct {
	token string
	err   error
}

// Refresh implements RefreshStrategy.
func (c *ChannelRefresh) Refresh(ctx context.Context) (string, error) {
	if !c.ch.Open() {
		return c.fallback.Refresh(ctx)
	}

	result := make(chan channelOutcome, 1)
	offer := func(o channelOutcome) {
		select {
		case result <- o:
		default:
		}
	}

	tokenSub := c.bus.Subscribe(wire.TypeToken, func(env wire.Envelope) {
		var payload wire.Token
		if err := env.Bind(&payload); err != nil {
			offer(channelOutcome{err: err})
			return
		}
		offer(channelOutcome{token: payload.Token})
	})
	errorSub := c.bus.Subscribe(wire.TypeError, func(env wire.Envelope) {
		offer(channelOutcome{err: errors.New("creds: server rejected channel refresh")})
	})
	defer func() {
		c.bus.Unsubscribe(wire.TypeToken, tokenSub)
		c.bus.Unsubscribe(wire.TypeError, errorSub)
	}()

	if err := c.ch.Send(wire.Request{Type: wire.TypeRefreshToken}); err != nil {
		c.logger.Debug("channel refresh send failed, using http", "error", err)
		return c.fallback.Refresh(ctx)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case o := <-result:
		if o.err != nil || o.token == "" {
			c.logger.Debug("channel refresh failed, using http", "error", o.err)
			return c.fallback.Refresh(ctx)
		}
		return o.token, nil
	case <-timer.C:
		c.logger.Debug("channel refresh timed out, using http")
		return c.fallback.Refresh(ctx)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
