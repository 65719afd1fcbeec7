// Package typing paces a provider typing indicator while an agent run is in
// flight, so the user sees activity during long runs.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ttl caps how long an indicator keeps refreshing if a stop is lost.
const ttl = 2 * time.Minute

// SendFunc delivers one typing notice for chat.
type SendFunc func(ctx context.Context, chat string) error

// Controller refreshes typing indicators per chat at a fixed interval.
// A zero interval or nil send func makes every Begin a no-op.
type Controller struct {
	send     SendFunc
	interval time.Duration
	logger   *slog.Logger
}

// NewController builds a controller refreshing every intervalSeconds.
func NewController(intervalSeconds int, send SendFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		send:     send,
		interval: time.Duration(intervalSeconds) * time.Second,
		logger:   logger.With("component", "typing"),
	}
}

// Begin starts refreshing the typing indicator for chat and returns a stop
// func. Stop is idempotent; the loop also dies on its own after a TTL.
func (c *Controller) Begin(chat string) func() {
	if c == nil || c.send == nil || c.interval <= 0 {
		return func() {}
	}

	stopCh := make(chan struct{})
	var once sync.Once

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ttl)
		defer cancel()

		if err := c.send(ctx, chat); err != nil {
			c.logger.Debug("typing notice failed", "chat", chat, "error", err)
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.send(ctx, chat); err != nil {
					c.logger.Debug("typing notice failed", "chat", chat, "error", err)
				}
			}
		}
	}()

	return func() { once.Do(func() { close(stopCh) }) }
}
