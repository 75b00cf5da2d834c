// Package dashboard keeps a live risk summary for whoever is signed in.
//
// The Watcher follows session snapshots. When the identity changes it
// rebinds its grid and variance channels to the new identity, and it
// reclassifies whenever the grid, the variance series or the farmer's name
// changes. Signing out clears the summary.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
	"github.com/sakif/farmsync/internal/risk"
	"github.com/sakif/farmsync/internal/session"
)

// Channel names, as they appear in logs.
const (
	GridChannel     = "grid"
	VarianceChannel = "variance"
)

// SessionSource is the part of *session.Machine the watcher follows.
type SessionSource interface {
	Watch(ctx context.Context) <-chan session.Session
}

// Watcher maintains the current risk.Summary. Run owns all mutable state
// except the published summary, which is guarded by mu.
type Watcher struct {
	sessions SessionSource
	grid     *session.Channel
	variance *session.Channel
	logger   *slog.Logger

	deliveries chan delivery
	done       chan struct{}

	mu         sync.Mutex
	summaryUID string
	summary    *risk.Summary
}

type delivery struct {
	channel string
	session.Delivery
}

// New creates a Watcher. Nothing is subscribed until Run is called.
func New(sessions SessionSource, store repository.DocumentStore, logger *slog.Logger) *Watcher {
	return &Watcher{
		sessions:   sessions,
		grid:       session.NewChannel(GridChannel, store, repository.GridPath, logger),
		variance:   session.NewChannel(VarianceChannel, store, repository.VarianceSeriesPath, logger),
		logger:     logger,
		deliveries: make(chan delivery, 16),
		done:       make(chan struct{}),
	}
}

// Summary returns the current summary for uid. ok is false when nobody is
// signed in or the watcher has not caught up with uid yet, so a caller never
// sees another identity's summary.
func (w *Watcher) Summary(uid string) (risk.Summary, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.summary == nil || w.summaryUID != uid {
		return risk.Summary{}, false
	}
	s := *w.summary
	s.VarianceSamples = append([]float64(nil), s.VarianceSamples...)
	return s, true
}

// Run follows the session until ctx is cancelled or the session source
// stops. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.variance.Teardown()
	defer w.grid.Teardown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sessions := w.sessions.Watch(ctx)

	st := state{w: w}
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-sessions:
			if !ok {
				return nil
			}
			st.onSession(ctx, s)
		case d := <-w.deliveries:
			st.onDelivery(d)
		}
	}
}

func (w *Watcher) send(d delivery) {
	select {
	case w.deliveries <- d:
	case <-w.done:
	}
}

// state is owned by Run's goroutine.
type state struct {
	w *Watcher

	uid         string
	farmerName  string
	gridGen     uint64
	varianceGen uint64
	grid        *model.Grid
	variance    model.VarianceSeries
}

func (st *state) onSession(ctx context.Context, s session.Session) {
	w := st.w

	uid := ""
	if s.Identity != nil {
		uid = s.Identity.UID
	}
	name := ""
	if s.Profile != nil {
		name = s.Profile.FarmerName
	}

	if uid != st.uid {
		st.uid = uid
		st.farmerName = name
		st.grid = nil
		st.variance = nil
		st.rebind(ctx, s.Identity)
		if uid == "" {
			w.setSummary("", nil)
			return
		}
		st.publish()
		return
	}

	if uid != "" && name != st.farmerName {
		st.farmerName = name
		st.publish()
	}
}

func (st *state) rebind(ctx context.Context, identity *model.Identity) {
	w := st.w
	var err error

	st.gridGen, err = w.grid.Rebind(ctx, identity, func(d session.Delivery) {
		w.send(delivery{channel: GridChannel, Delivery: d})
	})
	if err != nil {
		w.logger.Error("grid subscription failed", slog.String("error", err.Error()))
	}

	st.varianceGen, err = w.variance.Rebind(ctx, identity, func(d session.Delivery) {
		w.send(delivery{channel: VarianceChannel, Delivery: d})
	})
	if err != nil {
		w.logger.Error("variance subscription failed", slog.String("error", err.Error()))
	}
}

func (st *state) onDelivery(d delivery) {
	if d.UID != st.uid {
		return
	}

	switch d.channel {
	case GridChannel:
		if d.Generation != st.gridGen {
			return
		}
		st.grid = nil
		if d.Value != nil {
			var g model.Grid
			if err := json.Unmarshal(d.Value, &g); err != nil {
				st.w.logger.Warn("ignoring undecodable grid", slog.String("uid", d.UID), slog.String("error", err.Error()))
			} else {
				st.grid = &g
			}
		}
	case VarianceChannel:
		if d.Generation != st.varianceGen {
			return
		}
		st.variance = nil
		if d.Value != nil {
			var v model.VarianceSeries
			if err := json.Unmarshal(d.Value, &v); err != nil {
				st.w.logger.Warn("ignoring undecodable variance", slog.String("uid", d.UID), slog.String("error", err.Error()))
			} else {
				if v == nil {
					v = model.VarianceSeries{}
				}
				st.variance = v
			}
		}
	}
	st.publish()
}

func (st *state) publish() {
	var profile *model.Profile
	if st.farmerName != "" {
		profile = &model.Profile{FarmerName: st.farmerName}
	}
	s := risk.Classify(profile, st.grid, st.variance)
	st.w.setSummary(st.uid, &s)
}

func (w *Watcher) setSummary(uid string, s *risk.Summary) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summaryUID = uid
	w.summary = s
}
