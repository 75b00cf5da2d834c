package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/farmsync/internal/migration"
	"github.com/sakif/farmsync/internal/model"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	machine  *Machine
	feed     *fakeFeed
	store    *fakeStore
	migrator *fakeMigrator
}

func startMachine(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		feed:     newFakeFeed(),
		store:    &fakeStore{},
		migrator: newFakeMigrator(),
	}
	h.machine = New(h.feed, h.store, h.migrator, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.machine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return h
}

func (h *harness) eventually(t *testing.T, cond func(Session) bool, msg string) Session {
	t.Helper()
	var last Session
	require.Eventually(t, func() bool {
		last = h.machine.Snapshot()
		return cond(last)
	}, waitFor, tick, msg)
	return last
}

func TestMachine_InitialSnapshot(t *testing.T) {
	m := New(newFakeFeed(), &fakeStore{}, newFakeMigrator(), discardLogger())
	s := m.Snapshot()
	assert.Equal(t, Unauthenticated, s.State)
	assert.False(t, s.Ready, "not ready until the provider reports")
}

func TestMachine_SignedOutIsReady(t *testing.T) {
	h := startMachine(t)
	h.feed.emit(nil)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := h.machine.WaitReady(ctx)
	require.NoError(t, err)

	assert.Equal(t, Unauthenticated, s.State)
	assert.Nil(t, s.Identity)
	assert.Nil(t, s.Profile)
	assert.Empty(t, h.migrator.runs())
}

func TestMachine_ReadyAfterMigrationSettles(t *testing.T) {
	h := startMachine(t)
	h.migrator.gate("alice")

	h.feed.emit(alice)
	s := h.eventually(t, func(s Session) bool { return s.State == Resolving }, "resolving")
	assert.False(t, s.Ready)
	assert.Equal(t, "alice", s.Identity.UID)

	// A profile update while resolving is visible but does not make us ready.
	h.eventually(t, func(Session) bool { return h.store.sub("users/alice/profile") != nil }, "subscribed")
	h.store.sub("users/alice/profile").push(`{"farmerName":"Alice"}`)
	s = h.eventually(t, func(s Session) bool { return s.Profile != nil }, "profile delivered")
	assert.False(t, s.Ready)
	assert.Equal(t, Resolving, s.State)

	h.migrator.release("alice")
	s = h.eventually(t, func(s Session) bool { return s.Ready }, "ready")
	assert.Equal(t, Authenticated, s.State)
	assert.Equal(t, "Alice", s.Profile.FarmerName)
	assert.Equal(t, []string{"alice"}, h.migrator.runs())
}

func TestMachine_ReadyEvenWhenMigrationFails(t *testing.T) {
	h := startMachine(t)
	h.migrator.outcome = migration.OutcomeFailed

	h.feed.emit(alice)
	s := h.eventually(t, func(s Session) bool { return s.Ready }, "ready")
	assert.Equal(t, Authenticated, s.State)
}

func TestMachine_ProfileUpdatesKeepReady(t *testing.T) {
	h := startMachine(t)
	h.feed.emit(alice)
	h.eventually(t, func(s Session) bool { return s.Ready }, "ready")

	sub := h.store.sub("users/alice/profile")
	sub.push(`{"farmerName":"Alice","farmName":"North"}`)
	s := h.eventually(t, func(s Session) bool { return s.Profile != nil && s.Profile.FarmName == "North" }, "first profile")
	assert.True(t, s.Ready)

	sub.push(`{"farmerName":"Alice","farmName":"South"}`)
	s = h.eventually(t, func(s Session) bool { return s.Profile != nil && s.Profile.FarmName == "South" }, "second profile")
	assert.True(t, s.Ready)

	sub.push("")
	s = h.eventually(t, func(s Session) bool { return s.Profile == nil }, "profile removed")
	assert.True(t, s.Ready)
}

func TestMachine_NoCrossTenantLeak(t *testing.T) {
	h := startMachine(t)

	h.feed.emit(alice)
	h.eventually(t, func(s Session) bool { return s.Ready }, "alice ready")
	aliceSub := h.store.sub("users/alice/profile")
	aliceSub.push(`{"farmerName":"Alice"}`)
	h.eventually(t, func(s Session) bool { return s.Profile != nil }, "alice profile")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watch := h.machine.Watch(ctx)

	h.feed.emit(bob)
	h.eventually(t, func(s Session) bool { return s.Identity != nil && s.Identity.UID == "bob" }, "bob signed in")

	// A late update from alice's closed subscription must go nowhere.
	aliceSub.push(`{"farmerName":"Alice late"}`)
	h.store.sub("users/bob/profile").push(`{"farmerName":"Bob"}`)
	h.eventually(t, func(s Session) bool { return s.Ready && s.Profile != nil }, "bob ready with profile")

	cancel()
	for s := range watch {
		if s.Identity == nil || s.Identity.UID != "bob" || s.Profile == nil {
			continue
		}
		assert.Equal(t, "Bob", s.Profile.FarmerName)
	}
	assert.Equal(t, "Bob", h.machine.Snapshot().Profile.FarmerName)
	assert.Equal(t, 1, h.store.open(), "only bob's subscription stays open")
}

func TestMachine_LatestTransitionWins(t *testing.T) {
	h := startMachine(t)
	h.migrator.gate("alice")
	h.migrator.gate("bob")

	h.feed.emit(alice)
	h.eventually(t, func(s Session) bool { return s.State == Resolving }, "alice resolving")
	h.feed.emit(bob)
	h.eventually(t, func(s Session) bool { return s.Identity != nil && s.Identity.UID == "bob" }, "bob resolving")

	// Alice's migration finishing must not make bob's session ready.
	h.migrator.release("alice")
	time.Sleep(50 * time.Millisecond)
	s := h.machine.Snapshot()
	assert.False(t, s.Ready)
	assert.Equal(t, Resolving, s.State)

	h.migrator.release("bob")
	s = h.eventually(t, func(s Session) bool { return s.Ready }, "bob ready")
	assert.Equal(t, "bob", s.Identity.UID)
	assert.Equal(t, []string{"alice", "bob"}, h.migrator.runs())
}

func TestMachine_SignOutDuringMigration(t *testing.T) {
	h := startMachine(t)
	h.migrator.gate("alice")

	h.feed.emit(alice)
	h.eventually(t, func(s Session) bool { return s.State == Resolving }, "resolving")
	h.feed.emit(nil)
	s := h.eventually(t, func(s Session) bool { return s.State == Unauthenticated }, "signed out")
	assert.True(t, s.Ready)
	assert.Equal(t, 0, h.store.open())

	h.migrator.release("alice")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Unauthenticated, h.machine.Snapshot().State)
}

func TestMachine_SameIdentityKeepsReady(t *testing.T) {
	h := startMachine(t)
	h.feed.emit(alice)
	h.eventually(t, func(s Session) bool { return s.Ready }, "ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := h.machine.Watch(ctx)
	<-updates

	// A second migration would block here and hold Ready at false.
	h.migrator.gate("alice")
	renamed := &model.Identity{UID: "alice", Email: "alice@farm.example"}
	h.feed.emit(renamed)

	timeout := time.After(waitFor)
	for done := false; !done; {
		select {
		case s := <-updates:
			require.True(t, s.Ready, "ready must not revert while alice stays signed in")
			assert.Equal(t, Authenticated, s.State)
			done = s.Identity.Email == "alice@farm.example"
		case <-timeout:
			t.Fatal("the new email was never published")
		}
	}

	h.feed.emit(alice)
	h.eventually(t, func(s Session) bool { return s.Identity.Email == "alice@example.com" }, "email refreshed")
	assert.True(t, h.machine.Snapshot().Ready)
	assert.Equal(t, []string{"alice"}, h.migrator.runs())
	assert.Equal(t, 1, h.store.open())
	h.migrator.release("alice")
}

func TestMachine_SameIdentityWhileResolving(t *testing.T) {
	h := startMachine(t)
	h.migrator.gate("alice")

	h.feed.emit(alice)
	h.eventually(t, func(s Session) bool { return s.State == Resolving }, "resolving")
	h.feed.emit(alice)

	h.migrator.release("alice")
	s := h.eventually(t, func(s Session) bool { return s.Ready }, "ready")
	assert.Equal(t, Authenticated, s.State)
	assert.Equal(t, []string{"alice"}, h.migrator.runs(), "one migration per transition")
	assert.Equal(t, 1, h.store.open())
}

func TestMachine_SubscriptionErrorIsExplicit(t *testing.T) {
	h := startMachine(t)
	h.store.subscribeErr = errors.New("permission denied")

	h.feed.emit(alice)
	s := h.eventually(t, func(s Session) bool { return s.Ready }, "ready despite subscription failure")
	assert.Contains(t, s.SubscriptionError, "permission denied")
	assert.Nil(t, s.Profile)

	h.store.mu.Lock()
	h.store.subscribeErr = nil
	h.store.mu.Unlock()
	h.feed.emit(bob)
	s = h.eventually(t, func(s Session) bool { return s.Ready && s.Identity.UID == "bob" }, "bob ready")
	assert.Empty(t, s.SubscriptionError)
}

func TestMachine_UndecodableProfile(t *testing.T) {
	h := startMachine(t)
	h.feed.emit(alice)
	h.eventually(t, func(s Session) bool { return s.Ready }, "ready")

	h.store.sub("users/alice/profile").push(`["not","a","profile"]`)
	s := h.eventually(t, func(s Session) bool { return s.SubscriptionError != "" }, "decode error recorded")
	assert.True(t, s.Ready)
}

func TestMachine_WaitReadyHonoursContext(t *testing.T) {
	h := startMachine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.machine.WaitReady(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMachine_WatchClosesWhenStopped(t *testing.T) {
	m := New(newFakeFeed(), &fakeStore{}, newFakeMigrator(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	watch := m.Watch(context.Background())
	first := <-watch
	assert.Equal(t, Unauthenticated, first.State)

	cancel()
	<-done
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-watch:
			return !ok
		default:
			return false
		}
	}, waitFor, tick)
}
