package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/sakif/farmsync/internal/migration"
	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
)

// =========================================================================
// FAKES
// =========================================================================

// fakeStore records subscriptions and lets a test push values through them
// by hand, including through subscriptions that are already closed.
type fakeStore struct {
	mu           sync.Mutex
	subs         []*fakeSub
	ops          []string
	subscribeErr error
	closeErr     error
}

type fakeSub struct {
	path   string
	fn     func(json.RawMessage)
	closed bool
}

var _ repository.DocumentStore = (*fakeStore)(nil)

func (f *fakeStore) Read(ctx context.Context, p string) (json.RawMessage, bool, error) {
	return nil, false, nil
}

func (f *fakeStore) Write(ctx context.Context, p string, value any) error { return nil }

func (f *fakeStore) Subscribe(ctx context.Context, p string, fn func(json.RawMessage)) (repository.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSub{path: p, fn: fn}
	f.subs = append(f.subs, sub)
	f.ops = append(f.ops, "open "+p)
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.closed = true
		f.ops = append(f.ops, "close "+p)
		return f.closeErr
	}, nil
}

func (f *fakeStore) GenerateID(collection string) string { return collection + "/id" }

func (f *fakeStore) ServerTimestamp() int64 { return 1 }

// sub returns the most recent subscription opened on p.
func (f *fakeStore) sub(p string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.subs) - 1; i >= 0; i-- {
		if f.subs[i].path == p {
			return f.subs[i]
		}
	}
	return nil
}

func (f *fakeStore) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeStore) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if !s.closed {
			n++
		}
	}
	return n
}

// push delivers a value the way the store would, from a goroutine that is
// not the subscriber's.
func (s *fakeSub) push(rawJSON string) {
	if rawJSON == "" {
		s.fn(nil)
		return
	}
	s.fn(json.RawMessage(rawJSON))
}

// fakeFeed is a hand-driven identity feed.
type fakeFeed struct {
	mu      sync.Mutex
	fn      func(*model.Identity)
	stopped bool
	ready   chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ready: make(chan struct{})}
}

func (f *fakeFeed) Subscribe(fn func(*model.Identity)) func() {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	close(f.ready)
	return func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
	}
}

func (f *fakeFeed) emit(id *model.Identity) {
	<-f.ready
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(id)
}

// fakeMigrator blocks each run until the test releases that uid, unless the
// uid was never gated.
type fakeMigrator struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	outcome migration.Outcome
	calls   []string
}

func newFakeMigrator() *fakeMigrator {
	return &fakeMigrator{gates: make(map[string]chan struct{}), outcome: migration.OutcomeNoPointer}
}

func (f *fakeMigrator) gate(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[uid] = make(chan struct{})
}

func (f *fakeMigrator) release(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.gates[uid])
}

func (f *fakeMigrator) Run(ctx context.Context, identity model.Identity) migration.Report {
	f.mu.Lock()
	f.calls = append(f.calls, identity.UID)
	gate := f.gates[identity.UID]
	outcome := f.outcome
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return migration.Report{UID: identity.UID, Outcome: outcome}
}

func (f *fakeMigrator) runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
