// ABOUTME: Correlated request/response over the channel with HTTP fallback on error or timeout
// ABOUTME: A settled guard makes the winning branch exclusive; losers are unregistered, not raced

package dualcall

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emberchat/ember-go/internal/events"
	"github.com/emberchat/ember-go/internal/wire"
)

// DefaultTimeout bounds how long a channel response is awaited before the
// HTTP fallback takes over.
const DefaultTimeout = 10 * time.Second

// Channel is the slice of the connection manager the caller needs.
type Channel interface {
	Open() bool
	Send(v any) error
}

// Request describes one correlated call. Frame goes out over the channel;
// the first of {matching SuccessType frame, error frame, timeout} settles
// the call, and the latter two settle it by running Fallback instead.
type Request struct {
	// Frame is the request sent over the channel.
	Frame any
	// SuccessType is the expected response frame type.
	SuccessType string
	// Match filters success frames by correlation key. Nil accepts any
	// frame of SuccessType.
	Match func(env wire.Envelope) bool
	// Decode turns the matched frame into the result value. Nil returns
	// the envelope itself.
	Decode func(env wire.Envelope) (any, error)
	// Fallback is the HTTP-equivalent call. Required.
	Fallback func(ctx context.Context) (any, error)
	// Timeout overrides DefaultTimeout when non-zero.
	Timeout time.Duration
}

// Caller issues dual-transport requests. One instance serves the whole
// session; each Do carries its own correlation state.
type Caller struct {
	ch     Channel
	bus    *events.Bus
	logger *slog.Logger
}

// NewCaller creates a caller. Pass nil logger for default.
func NewCaller(ch Channel, bus *events.Bus, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		ch:     ch,
		bus:    bus,
		logger: logger.With("component", "dualcall"),
	}
}

type outcome struct {
	value    any
	err      error
	fallback bool
}

// Do performs one correlated call and returns its single result. The result
// reaches the caller exactly once no matter which branch wins; a late
// channel response after the fallback has fired is dropped by the settled
// guard and the unregistered handlers.
func (c *Caller) Do(ctx context.Context, req Request) (any, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	if !c.ch.Open() {
		return req.Fallback(ctx)
	}

	var (
		mu      sync.Mutex
		settled bool
	)
	result := make(chan outcome, 1)
	settle := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return
		}
		settled = true
		result <- o
	}

	successSub := c.bus.Subscribe(req.SuccessType, func(env wire.Envelope) {
		if req.Match != nil && !req.Match(env) {
			return
		}
		if req.Decode == nil {
			settle(outcome{value: env})
			return
		}
		value, err := req.Decode(env)
		if err != nil {
			c.logger.Warn("undecodable response frame, falling back",
				"type", env.Type, "error", err)
			settle(outcome{fallback: true})
			return
		}
		settle(outcome{value: value})
	})
	errorSub := c.bus.Subscribe(wire.TypeError, func(env wire.Envelope) {
		settle(outcome{fallback: true})
	})
	defer func() {
		c.bus.Unsubscribe(req.SuccessType, successSub)
		c.bus.Unsubscribe(wire.TypeError, errorSub)
	}()

	timer := time.AfterFunc(timeout, func() {
		settle(outcome{fallback: true})
	})
	defer timer.Stop()

	if err := c.ch.Send(req.Frame); err != nil {
		settle(outcome{fallback: true})
	}

	select {
	case o := <-result:
		if o.fallback {
			return req.Fallback(ctx)
		}
		return o.value, o.err
	case <-ctx.Done():
		settle(outcome{err: ctx.Err()})
		return nil, ctx.Err()
	}
}
