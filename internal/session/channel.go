package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
)

// PathFunc maps an identity to the remote path a channel follows.
type PathFunc func(uid string) string

// Delivery is one value observed on a channel. Generation identifies the
// subscription that produced it; receivers compare it against
// Channel.Generation to drop anything stale.
type Delivery struct {
	Generation uint64
	UID        string
	Value      json.RawMessage
}

// Channel owns at most one live subscription for one named target
// ("profile", "grid", ...).
//
// CLOSE BEFORE OPEN:
// Rebind closes the current subscription before it opens the next one, both
// under the slot lock, so two identities never hold the same channel at
// once. Each Rebind bumps the generation; the wrapped callback drops any
// delivery whose generation is no longer current. The lock is released
// before a callback runs, so deliver may call back into the Channel.
type Channel struct {
	name   string
	store  repository.DocumentStore
	path   PathFunc
	logger *slog.Logger

	mu    sync.Mutex
	gen   uint64
	uid   string
	unsub repository.Unsubscribe
}

// NewChannel creates an unbound channel.
func NewChannel(name string, store repository.DocumentStore, path PathFunc, logger *slog.Logger) *Channel {
	return &Channel{name: name, store: store, path: path, logger: logger}
}

// Name returns the channel name used in logs.
func (c *Channel) Name() string { return c.name }

// Generation returns the generation of the current binding.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Rebind closes the open subscription, if any, and opens one for identity.
// A nil identity leaves the channel closed. It returns the generation of the
// new binding; deliveries carry that generation.
//
// A failure to open is returned, and the channel is left closed at the new
// generation, so nothing from the previous identity can still be delivered.
func (c *Channel) Rebind(ctx context.Context, identity *model.Identity, deliver func(Delivery)) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	c.gen++
	gen := c.gen

	if identity == nil {
		return gen, nil
	}

	uid := identity.UID
	unsub, err := c.store.Subscribe(ctx, c.path(uid), func(v json.RawMessage) {
		if !c.current(gen) {
			return
		}
		deliver(Delivery{Generation: gen, UID: uid, Value: v})
	})
	if err != nil {
		return gen, fmt.Errorf("session: opening %s channel for %s: %w", c.name, uid, err)
	}
	c.uid = uid
	c.unsub = unsub
	return gen, nil
}

// Teardown closes the open subscription. Calling it on a closed channel is a
// no-op.
func (c *Channel) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub == nil {
		return
	}
	c.closeLocked()
	c.gen++
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.unsub != nil
}

// closeLocked drops the current subscription. A failing close is logged and
// otherwise ignored; the slot is cleared either way.
func (c *Channel) closeLocked() {
	if c.unsub == nil {
		return
	}
	if err := c.unsub(); err != nil {
		c.logger.Warn("closing channel subscription failed",
			slog.String("channel", c.name),
			slog.String("uid", c.uid),
			slog.String("error", err.Error()),
		)
	}
	c.unsub = nil
	c.uid = ""
}
