// Package session tracks who is signed in on this device and keeps that
// identity's profile live.
//
// LIFECYCLE:
//
//	Unauthenticated --identity I--> Resolving(I) --migration settled--> Authenticated(I)
//	       ^                              |                                  |
//	       +-----------no identity--------+------------no identity----------+
//
// Every identity report starts a new transition: the profile channel is
// rebound to the new identity and one legacy migration is started for it.
// Ready stays false until that migration settles (successfully or not). A
// newer transition supersedes an older one; the older migration still runs
// to completion against its own identity but no longer affects readiness.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/sakif/farmsync/internal/migration"
	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
)

// State is the coarse session state.
type State string

const (
	Unauthenticated State = "unauthenticated"
	Resolving       State = "resolving"
	Authenticated   State = "authenticated"
)

// Session is an immutable snapshot of the signed-in state.
type Session struct {
	State    State           `json:"state"`
	Identity *model.Identity `json:"identity"`
	Profile  *model.Profile  `json:"profile"`
	Ready    bool            `json:"ready"`
	// SubscriptionError holds the last failure to open or decode the profile
	// subscription for the current identity. It never affects Ready.
	SubscriptionError string `json:"subscriptionError,omitempty"`
}

// IdentityFeed reports identity transitions: an identity when someone signs
// in, nil when they sign out. fn is called once with the current status as
// soon as it is known. The returned func stops the feed.
type IdentityFeed interface {
	Subscribe(fn func(*model.Identity)) (stop func())
}

// Migrator runs the legacy migration for one identity. It always returns.
type Migrator interface {
	Run(ctx context.Context, identity model.Identity) migration.Report
}

// ErrStopped is returned by WaitReady when the machine stops first.
var ErrStopped = errors.New("session: machine stopped")

// ProfileChannel is the channel name of the profile subscription.
const ProfileChannel = "profile"

// Machine is the session state machine. All state is owned by the goroutine
// running Run; everything else talks to it through events and reads the
// published snapshot.
type Machine struct {
	feed     IdentityFeed
	profile  *Channel
	migrator Migrator
	logger   *slog.Logger

	events chan any
	done   chan struct{}

	mu       sync.Mutex
	snap     Session
	watchers map[uint64]chan Session
	nextW    uint64
}

type identityEvent struct {
	identity *model.Identity
}

type profileEvent struct {
	delivery Delivery
}

type migrationSettled struct {
	seq    uint64
	report migration.Report
}

// New creates a Machine. Nothing happens until Run is called.
func New(feed IdentityFeed, store repository.DocumentStore, migrator Migrator, logger *slog.Logger) *Machine {
	return &Machine{
		feed:     feed,
		profile:  NewChannel(ProfileChannel, store, repository.ProfilePath, logger),
		migrator: migrator,
		logger:   logger,
		events:   make(chan any, 16),
		done:     make(chan struct{}),
		snap:     Session{State: Unauthenticated},
		watchers: make(map[uint64]chan Session),
	}
}

// Run processes identity transitions until ctx is cancelled. It always
// returns nil; the error result lets it sit in an errgroup.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)

	stop := m.feed.Subscribe(func(id *model.Identity) {
		m.send(identityEvent{identity: id})
	})
	defer stop()
	defer m.profile.Teardown()

	a := actor{m: m, state: Unauthenticated}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			switch ev := ev.(type) {
			case identityEvent:
				a.onIdentity(ctx, ev.identity)
			case profileEvent:
				a.onProfile(ev.delivery)
			case migrationSettled:
				a.onMigrationSettled(ev)
			}
		}
	}
}

// send hands ev to the actor. Events arriving after Run returned are dropped.
func (m *Machine) send(ev any) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// actor is the state owned by Run's goroutine.
type actor struct {
	m *Machine

	seq        uint64
	profileGen uint64
	identity   *model.Identity
	profile    *model.Profile
	state      State
	ready      bool
	subErr     string
}

func (a *actor) onIdentity(ctx context.Context, id *model.Identity) {
	m := a.m

	// The identity already signed in was reported again. Its subscription
	// and migration stay as they are and Ready does not move.
	if id != nil && a.identity != nil && id.UID == a.identity.UID {
		if id.Email != a.identity.Email {
			a.identity.Email = id.Email
			a.publish()
		}
		m.logger.Debug("identity reported again", slog.String("uid", id.UID))
		return
	}

	a.seq++
	a.profile = nil
	a.subErr = ""

	if id == nil {
		m.profile.Teardown()
		a.identity = nil
		a.state = Unauthenticated
		a.ready = true
		m.logger.Info("session signed out")
		a.publish()
		return
	}

	identity := *id
	a.identity = &identity
	a.state = Resolving
	a.ready = false

	gen, err := m.profile.Rebind(ctx, &identity, func(d Delivery) {
		m.send(profileEvent{delivery: d})
	})
	a.profileGen = gen
	if err != nil {
		a.subErr = err.Error()
		m.logger.Error("profile subscription failed",
			slog.String("uid", identity.UID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("session resolving", slog.String("uid", identity.UID), slog.Uint64("seq", a.seq))
	a.publish()

	// The migration outlives the transition that started it.
	seq := a.seq
	go func() {
		report := m.migrator.Run(context.WithoutCancel(ctx), identity)
		m.send(migrationSettled{seq: seq, report: report})
	}()
}

func (a *actor) onProfile(d Delivery) {
	if d.Generation != a.profileGen || a.identity == nil || d.UID != a.identity.UID {
		return
	}

	if d.Value == nil {
		a.profile = nil
		a.publish()
		return
	}

	var p model.Profile
	if err := json.Unmarshal(d.Value, &p); err != nil {
		a.subErr = "decoding profile: " + err.Error()
		a.m.logger.Warn("ignoring undecodable profile",
			slog.String("uid", d.UID),
			slog.String("error", err.Error()),
		)
		a.publish()
		return
	}
	a.profile = &p
	a.publish()
}

func (a *actor) onMigrationSettled(ev migrationSettled) {
	if ev.seq != a.seq {
		a.m.logger.Debug("ignoring superseded migration",
			slog.String("uid", ev.report.UID),
			slog.Uint64("seq", ev.seq),
		)
		return
	}
	if a.identity == nil {
		return
	}
	a.state = Authenticated
	a.ready = true
	a.m.logger.Info("session ready",
		slog.String("uid", a.identity.UID),
		slog.String("migration", string(ev.report.Outcome)),
	)
	a.publish()
}

// publish copies the actor state into a fresh snapshot and fans it out.
func (a *actor) publish() {
	s := Session{
		State:             a.state,
		Ready:             a.ready,
		SubscriptionError: a.subErr,
	}
	if a.identity != nil {
		id := *a.identity
		s.Identity = &id
	}
	if a.profile != nil {
		p := *a.profile
		s.Profile = &p
	}
	a.m.publish(s)
}

func (m *Machine) publish(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
	for _, ch := range m.watchers {
		offer(ch, s)
	}
}

// offer replaces whatever is buffered in ch with s.
func offer(ch chan Session, s Session) {
	select {
	case <-ch:
	default:
	}
	ch <- s
}

// Snapshot returns the current session.
func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Watch returns a channel that receives the current session and then every
// change. Slow readers only see the latest session. The channel is closed
// when ctx is done or the machine stops.
func (m *Machine) Watch(ctx context.Context) <-chan Session {
	ch := make(chan Session, 1)

	m.mu.Lock()
	m.nextW++
	id := m.nextW
	m.watchers[id] = ch
	ch <- m.snap
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.mu.Lock()
		delete(m.watchers, id)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// WaitReady blocks until the session is ready and returns it.
func (m *Machine) WaitReady(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for s := range m.Watch(ctx) {
		if s.Ready {
			return s, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	return Session{}, ErrStopped
}
