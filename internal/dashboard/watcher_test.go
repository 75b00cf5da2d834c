package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
	"github.com/sakif/farmsync/internal/risk"
	"github.com/sakif/farmsync/internal/session"
)

// =========================================================================
// FAKES
// =========================================================================

type fakeSessions struct {
	ch chan session.Session
}

func (f *fakeSessions) Watch(ctx context.Context) <-chan session.Session { return f.ch }

type fakeSub struct {
	path   string
	fn     func(json.RawMessage)
	closed bool
}

type fakeStore struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (f *fakeStore) Read(ctx context.Context, p string) (json.RawMessage, bool, error) {
	return nil, false, nil
}

func (f *fakeStore) Write(ctx context.Context, p string, value any) error { return nil }

func (f *fakeStore) Subscribe(ctx context.Context, p string, fn func(json.RawMessage)) (repository.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{path: p, fn: fn}
	f.subs = append(f.subs, sub)
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.closed = true
		return nil
	}, nil
}

func (f *fakeStore) GenerateID(collection string) string { return collection + "/id" }

func (f *fakeStore) ServerTimestamp() int64 { return 1 }

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

func (f *fakeStore) openCount() int {
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

// =========================================================================
// HARNESS
// =========================================================================

type harness struct {
	watcher  *Watcher
	sessions *fakeSessions
	store    *fakeStore
}

func startWatcher(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sessions: &fakeSessions{ch: make(chan session.Session)},
		store:    &fakeStore{},
	}
	h.watcher = New(h.sessions, h.store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.watcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) signIn(uid, name string) {
	s := session.Session{
		State:    session.Authenticated,
		Identity: &model.Identity{UID: uid},
		Ready:    true,
	}
	if name != "" {
		s.Profile = &model.Profile{FarmerName: name}
	}
	h.sessions.ch <- s
}

func (h *harness) signOut() {
	h.sessions.ch <- session.Session{State: session.Unauthenticated, Ready: true}
}

func (h *harness) summary(t *testing.T, uid string, cond func(risk.Summary) bool, msg string) risk.Summary {
	t.Helper()
	var last risk.Summary
	require.Eventually(t, func() bool {
		s, ok := h.watcher.Summary(uid)
		last = s
		return ok && cond(s)
	}, 2*time.Second, 5*time.Millisecond, msg)
	return last
}

// =========================================================================
// TESTS
// =========================================================================

func TestWatcher_NoSummaryWhenSignedOut(t *testing.T) {
	h := startWatcher(t)
	h.signOut()

	_, ok := h.watcher.Summary("")
	assert.False(t, ok)
}

func TestWatcher_SynthesizesUntilDataArrives(t *testing.T) {
	h := startWatcher(t)
	h.signIn("uid-a", "Ana")

	s := h.summary(t, "uid-a", func(s risk.Summary) bool { return s.FarmerName == "Ana" }, "initial summary")
	assert.Equal(t, risk.Low, s.RiskLevel)
	assert.True(t, s.SyntheticVariance)
	assert.Len(t, s.VarianceSamples, risk.SyntheticSamples)
}

func TestWatcher_ReclassifiesOnGridAndVariance(t *testing.T) {
	h := startWatcher(t)
	h.signIn("uid-a", "Ana")
	h.summary(t, "uid-a", func(s risk.Summary) bool { return true }, "initial summary")

	h.store.sub(repository.GridPath("uid-a")).fn(json.RawMessage(
		`{"size":2,"cells":{"A1":{"level":"green"},"A2":{"level":"yellow"},"B1":{"level":"yellow"},"B2":{"level":"green"}}}`))
	s := h.summary(t, "uid-a", func(s risk.Summary) bool { return s.RiskLevel == risk.Medium }, "grid update")
	assert.Equal(t, 2, s.YellowZoneCount)

	h.store.sub(repository.VarianceSeriesPath("uid-a")).fn(json.RawMessage(`[1,2,3]`))
	s = h.summary(t, "uid-a", func(s risk.Summary) bool { return !s.SyntheticVariance }, "variance update")
	assert.Equal(t, []float64{1, 2, 3}, s.VarianceSamples)
	assert.Equal(t, risk.Medium, s.RiskLevel)

	h.store.sub(repository.GridPath("uid-a")).fn(json.RawMessage(
		`{"size":1,"cells":{"A1":{"level":"red"}}}`))
	h.summary(t, "uid-a", func(s risk.Summary) bool { return s.RiskLevel == risk.High && s.RedZoneCount == 1 }, "red grid")
}

func TestWatcher_FollowsProfileName(t *testing.T) {
	h := startWatcher(t)
	h.signIn("uid-a", "")
	h.summary(t, "uid-a", func(s risk.Summary) bool { return s.FarmerName == risk.DefaultFarmerName }, "default name")

	h.signIn("uid-a", "Ana")
	h.summary(t, "uid-a", func(s risk.Summary) bool { return s.FarmerName == "Ana" }, "renamed")
	assert.Equal(t, 2, h.store.openCount(), "a profile change must not resubscribe")
}

func TestWatcher_IdentityChangeDropsOldData(t *testing.T) {
	h := startWatcher(t)
	h.signIn("uid-a", "Ana")
	h.summary(t, "uid-a", func(s risk.Summary) bool { return true }, "initial summary")
	oldGrid := h.store.sub(repository.GridPath("uid-a"))
	oldGrid.fn(json.RawMessage(`{"size":1,"cells":{"A1":{"level":"red"}}}`))
	h.summary(t, "uid-a", func(s risk.Summary) bool { return s.RiskLevel == risk.High }, "red grid for A")

	h.signIn("uid-b", "Ben")
	s := h.summary(t, "uid-b", func(s risk.Summary) bool { return s.FarmerName == "Ben" }, "switched to B")
	assert.Equal(t, risk.Low, s.RiskLevel)
	assert.Equal(t, 2, h.store.openCount())
	_, ok := h.watcher.Summary("uid-a")
	assert.False(t, ok, "A's summary is gone once B is signed in")

	// A late delivery on A's closed subscription is dropped.
	oldGrid.fn(json.RawMessage(`{"size":1,"cells":{"A1":{"level":"red"}}}`))
	h.signIn("uid-b", "Ben B")
	s = h.summary(t, "uid-b", func(s risk.Summary) bool { return s.FarmerName == "Ben B" }, "rename B")
	assert.Equal(t, risk.Low, s.RiskLevel)
}

func TestWatcher_SignOutClears(t *testing.T) {
	h := startWatcher(t)
	h.signIn("uid-a", "Ana")
	h.summary(t, "uid-a", func(s risk.Summary) bool { return true }, "initial summary")

	h.signOut()
	require.Eventually(t, func() bool {
		_, ok := h.watcher.Summary("uid-a")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.store.openCount())
}

func TestWatcher_UndecodableGridIgnored(t *testing.T) {
	h := startWatcher(t)
	h.signIn("uid-a", "Ana")
	h.summary(t, "uid-a", func(s risk.Summary) bool { return true }, "initial summary")

	h.store.sub(repository.GridPath("uid-a")).fn(json.RawMessage(`"scalar"`))
	h.store.sub(repository.VarianceSeriesPath("uid-a")).fn(json.RawMessage(`[]`))
	s := h.summary(t, "uid-a", func(s risk.Summary) bool { return !s.SyntheticVariance }, "empty series")
	assert.Equal(t, risk.Low, s.RiskLevel)
	assert.Empty(t, s.VarianceSamples)
}
