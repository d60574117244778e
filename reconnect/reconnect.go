// Package reconnect drives exponential-backoff recovery after a transport
// outage. It owns only the retry cycle; what a successful rejoin means is
// supplied by the session engine.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/PetertheMD/nautune-sub003/model"
)

const DefaultMaxAttempts = 5

// Rejoin re-establishes transport and group membership. It is called once
// per attempt after the backoff delay has elapsed.
type Rejoin func(ctx context.Context) error

type Config struct {
	Logger      *zerolog.Logger
	Clock       clock.Clock
	MaxAttempts int
	Rejoin      Rejoin

	// OnAttempt, OnSuccess and OnExhausted are invoked from the retry
	// goroutine; the engine posts them back onto its own queue.
	OnAttempt   func(state model.ReconnectionState)
	OnSuccess   func()
	OnExhausted func()
}

type Controller struct {
	logger      zerolog.Logger
	clk         clock.Clock
	maxAttempts int
	rejoin      Rejoin
	onAttempt   func(model.ReconnectionState)
	onSuccess   func()
	onExhausted func()

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	gen    int
}

func New(cfg Config) *Controller {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	max := cfg.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	nop := func() {}
	c := &Controller{
		logger:      cfg.Logger.With().Str("component", "reconnect").Logger(),
		clk:         clk,
		maxAttempts: max,
		rejoin:      cfg.Rejoin,
		onAttempt:   cfg.OnAttempt,
		onSuccess:   cfg.OnSuccess,
		onExhausted: cfg.OnExhausted,
	}
	if c.onAttempt == nil {
		c.onAttempt = func(model.ReconnectionState) {}
	}
	if c.onSuccess == nil {
		c.onSuccess = nop
	}
	if c.onExhausted == nil {
		c.onExhausted = nop
	}
	return c
}

// Delay returns the backoff before the given attempt (first attempt is 1).
func Delay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Active reports whether a retry cycle is in flight.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start begins a retry cycle. Starting while one is already in flight is
// a no-op and returns false.
func (c *Controller) Start(ctx context.Context) bool {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.active = true
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.run(runCtx, gen)
	return true
}

// Cancel aborts an in-flight cycle, used when the user leaves on purpose.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.active = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) run(ctx context.Context, gen int) {
	defer func() {
		c.mu.Lock()
		// A cancelled cycle may outlive a newly started one; only the
		// current generation clears the shared state.
		if c.gen == gen {
			c.active = false
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.onAttempt(model.ReconnectionState{
			IsReconnecting: true,
			Attempt:        attempt,
			MaxAttempts:    c.maxAttempts,
		})

		timer := c.clk.Timer(Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Debug().Msg("reconnection cancelled")
			return
		case <-timer.C:
		}

		err := c.rejoin(ctx)
		if err == nil {
			c.logger.Debug().Int("attempt", attempt).Msg("reconnected")
			c.onSuccess()
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.logger.Error().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")
	}

	c.logger.Error().Int("attempts", c.maxAttempts).Msg("reconnection attempts exhausted")
	c.onExhausted()
}
