// Package device wraps device-local storage so that a broken or missing
// store never takes the session down with it.
//
// Every accessor degrades instead of failing: a read error is reported as
// "absent", a write or remove error becomes a no-op. Failures are logged at
// warn so they are still visible.
package device

import (
	"context"
	"log/slog"

	"github.com/sakif/farmsync/internal/repository"
)

// Keys stored on the device.
const (
	// LegacyPointerKey names the farm record written by the single-tenant
	// client (cpde/v1/farms/{farmId}). It is consumed by the first migration.
	LegacyPointerKey = "cpde:farmId"

	// SessionTokenKey holds the signed session token used to resume a
	// sign-in after the daemon restarts.
	SessionTokenKey = "farmsync:session"
)

// Storage is failure-tolerant device storage.
type Storage struct {
	kv     repository.KeyValueStore
	logger *slog.Logger
}

// New wraps kv. A nil kv behaves like an always-empty store.
func New(kv repository.KeyValueStore, logger *slog.Logger) *Storage {
	return &Storage{kv: kv, logger: logger}
}

// Get returns the value under key, or ok=false when it is missing or the
// store cannot be read.
func (s *Storage) Get(ctx context.Context, key string) (string, bool) {
	if s == nil || s.kv == nil {
		return "", false
	}
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("device storage read failed, treating as absent",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	return v, ok
}

// Set stores value under key; failures are logged and dropped.
func (s *Storage) Set(ctx context.Context, key, value string) {
	if s == nil || s.kv == nil {
		return
	}
	if err := s.kv.Set(ctx, key, value); err != nil {
		s.logger.Warn("device storage write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Remove deletes key; failures are logged and dropped.
func (s *Storage) Remove(ctx context.Context, key string) {
	if s == nil || s.kv == nil {
		return
	}
	if err := s.kv.Remove(ctx, key); err != nil {
		s.logger.Warn("device storage remove failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
