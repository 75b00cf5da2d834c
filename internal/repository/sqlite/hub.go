package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/sakif/farmsync/internal/repository"
)

// hub fans out change notifications to live subscriptions.
//
// DELIVERY MODEL:
// Every subscription owns a goroutine and a one-slot wake channel. A write
// only drops a token into the slot; the goroutine then re-reads the path and
// calls the callback. Bursts of writes therefore coalesce into a single
// delivery of the latest value, deliveries for one subscription never run
// concurrently, and a slow callback never blocks a writer.
type hub struct {
	db *DB

	mu   sync.Mutex
	subs map[uint64]*subscription
	next uint64
}

var errEmptySubscribePath = errors.New("sqlite: subscribing: empty path")

type subscription struct {
	path     string
	onUpdate func(json.RawMessage)
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newHub(db *DB) *hub {
	return &hub{db: db, subs: make(map[uint64]*subscription)}
}

// Subscribe opens a live subscription on p. The current value is delivered
// shortly after Subscribe returns, from the subscription's own goroutine.
func (db *DB) Subscribe(ctx context.Context, p string, onUpdate func(json.RawMessage)) (repository.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = repository.CleanPath(p)
	if p == "" {
		return nil, errEmptySubscribePath
	}
	return db.hub.subscribe(p, onUpdate), nil
}

func (h *hub) subscribe(p string, onUpdate func(json.RawMessage)) repository.Unsubscribe {
	sub := &subscription{
		path:     p,
		onUpdate: onUpdate,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	sub.wake <- struct{}{}

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = sub
	h.mu.Unlock()

	go h.run(sub)

	return func() error {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.close()
		return nil
	}
}

func (h *hub) run(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		value, ok, err := h.db.Read(context.Background(), sub.path)
		if err != nil {
			// The database is closing or the row is corrupt; the next write
			// wakes us again.
			continue
		}

		select {
		case <-sub.done:
			return
		default:
		}
		if !ok {
			value = nil
		}
		sub.onUpdate(value)
	}
}

// notify wakes every subscription whose path overlaps p.
func (h *hub) notify(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !overlaps(sub.path, p) {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// overlaps reports whether a and b are the same node or one contains the other.
func overlaps(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
