package apiclient

import (
	"context"
	"time"
)

// Checker reports connectivity as "some server answers its health probe".
type Checker struct {
	client *Client
}

func NewChecker(client *Client) *Checker {
	return &Checker{client: client}
}

func (c *Checker) Connected(ctx context.Context) bool {
	_, err := c.client.Health(ctx)
	return err == nil
}

// Watch probes every interval and signals each offline to online change.
// The channel closes when ctx ends.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) <-chan struct{} {
	out := make(chan struct{}, 1)
	online := c.Connected(ctx)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			now := c.Connected(ctx)
			if now && !online {
				select {
				case out <- struct{}{}:
				default:
				}
			}
			online = now
		}
	}()
	return out
}
