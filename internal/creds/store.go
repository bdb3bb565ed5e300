// ABOUTME: Holds the bearer credential, decodes its expiry and coordinates renewal
// ABOUTME: Concurrent refreshes are coalesced through a single-flight group

package creds

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/emberchat/ember-go/internal/events"
	"github.com/emberchat/ember-go/internal/wire"
)

// expiryMargin keeps a request started just before expiry from racing a
// mid-flight rejection: the token counts as expired this long before its
// real expiry.
const expiryMargin = 120 * time.Second

// EventUnauthorized is published when renewal is rejected outright or a
// retried call still comes back 401. Collaborators treat it as the end of
// the session.
const EventUnauthorized = "unauthorized"

// Unauthorized is the payload of EventUnauthorized.
type Unauthorized struct {
	Reason string `json:"reason"`
}

// ErrUnauthorized indicates the renewal credential itself was rejected.
var ErrUnauthorized = errors.New("creds: unauthorized")

// RefreshStrategy obtains a fresh bearer token. Implementations: channel
// round trip with HTTP fallback, or plain HTTP.
type RefreshStrategy interface {
	Refresh(ctx context.Context) (string, error)
}

// Store owns the process-wide credential: the in-memory bearer token and
// its decoded expiry. The token is never persisted; only the httpOnly
// renewal cookie survives a restart, and the bearer is re-derived from it.
type Store struct {
	strategy RefreshStrategy
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time // zero when unknown or token empty

	flight singleflight.Group
}

// NewStore creates a store around the given refresh strategy.
func NewStore(strategy RefreshStrategy, bus *events.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		strategy: strategy,
		bus:      bus,
		logger:   logger.With("component", "creds"),
		now:      time.Now,
	}
}

// Token returns the current bearer token, possibly stale or empty. Callers
// that need a valid one go through RefreshIfNeeded.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken stores a token and decodes its expiry from the exp claim. A token
// without a decodable expiry is stored but counts as expired immediately.
func (s *Store) SetToken(token string) {
	expiresAt, err := decodeExpiry(token)
	if err != nil {
		s.logger.Warn("token expiry not decodable", "error", err)
		expiresAt = time.Time{}
	}

	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.mu.Unlock()
}

// Clear drops the credential.
func (s *Store) Clear() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// Expired reports whether a refresh is needed: no token, no decodable
// expiry, or within the safety margin of expiry.
func (s *Store) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || s.expiresAt.IsZero() {
		return true
	}
	return !s.now().Add(expiryMargin).Before(s.expiresAt)
}

// RefreshIfNeeded returns a valid token, renewing it first if the current
// one is missing or near expiry. Concurrent callers share one in-flight
// renewal and all observe its result; the guard is dropped when the renewal
// settles, so a later call may start a new one.
func (s *Store) RefreshIfNeeded(ctx context.Context) (string, error) {
	if !s.Expired() {
		return s.Token(), nil
	}
	return s.refresh(ctx)
}

// ForceRefresh renews unconditionally. Used by the gateway's 401 retry; the
// stale token was just rejected, so the expiry check would lie.
func (s *Store) ForceRefresh(ctx context.Context) (string, error) {
	return s.refresh(ctx)
}

func (s *Store) refresh(ctx context.Context) (string, error) {
	v, err, _ := s.flight.Do("refresh", func() (any, error) {
		token, err := s.strategy.Refresh(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				s.Clear()
				s.logger.Warn("credential renewal rejected")
				s.bus.Publish(EventUnauthorized,
					wire.Synthetic(EventUnauthorized, Unauthorized{Reason: "refresh rejected"}))
			}
			return nil, err
		}
		s.SetToken(token)
		s.logger.Debug("credential renewed")
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// StartHeartbeat renews the credential proactively on a fixed period while
// a credential exists, so idle sessions don't wake up expired. Stops when
// ctx is cancelled; session lifecycle, not per-request.
func (s *Store) StartHeartbeat(ctx context.Context, period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.Token() == "" {
					continue
				}
				if _, err := s.RefreshIfNeeded(ctx); err != nil {
					s.logger.Warn("heartbeat refresh failed", "error", err)
				}
			}
		}
	}()
}

// decodeExpiry reads the exp claim without verifying the signature; the
// client never holds the signing secret, it only needs the deadline.
func decodeExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("no exp claim")
	}
	return exp.Time, nil
}
