package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chatlead/backend/internal/fabric"
)

// CancelRegistry maps in-flight chat sessions to their task cancel funcs so
// a pub/sub cancel message can abort the matching turn mid-generation.
type CancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{m: make(map[string]context.CancelFunc)}
}

// Track derives a cancellable context for a session's turn. The returned
// release must be deferred: it unregisters the session and releases the
// context's resources.
func (c *CancelRegistry) Track(ctx context.Context, sessionToken string) (context.Context, func()) {
	tctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.m[sessionToken] = cancel
	c.mu.Unlock()
	return tctx, func() {
		c.mu.Lock()
		delete(c.m, sessionToken)
		c.mu.Unlock()
		cancel()
	}
}

// Cancel aborts the session's in-flight turn, if any.
func (c *CancelRegistry) Cancel(sessionToken string) bool {
	c.mu.Lock()
	cancel, ok := c.m[sessionToken]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Len reports the number of tracked sessions.
func (c *CancelRegistry) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// ListenCancels pumps chat cancel messages into the registry until ctx ends.
// Runs as a goroutine next to the chat worker's consume loop.
func ListenCancels(ctx context.Context, kv fabric.KV, reg *CancelRegistry) error {
	sub, err := fabric.SubscribeCancel(ctx, kv)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			token := fabric.SessionFromCancelChannel(msg.Channel)
			if token == "" {
				continue
			}
			if reg.Cancel(token) {
				slog.Info("[Worker] Chat turn cancelled", "session", token)
			}
		}
	}
}
