// Package migration copies data written by the single-tenant client into the
// per-identity layout.
//
// The old client kept one farm per device: the device remembered a farm id
// (device key "cpde:farmId") and the farm lived at cpde/v1/farms/{farmId}.
// The first time an identity signs in on such a device, Workflow.Run copies
// that farm under users/{uid} and forgets the pointer.
//
// SAFETY RULES:
//   - An existing profile is never overwritten.
//   - An existing, non-empty field collection is never added to.
//   - Only polygons with at least three points become fields.
//   - Run never returns an error. A failed step is logged, the remaining
//     steps are skipped and the pointer is left for the next sign-in.
package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/farmsync/internal/device"
	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
)

// Defaults substituted for fields missing from the legacy record.
const (
	DefaultFarmerName = "Farmer"
	DefaultFarmName   = "Farm"
	DefaultFieldName  = "My Field"
	DefaultCropType   = "Rice"
)

// PointerStore is the slice of device storage the workflow needs.
// *device.Storage satisfies it.
type PointerStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Remove(ctx context.Context, key string)
}

// Outcome says how far a run got.
type Outcome string

const (
	// OutcomeUpToDate: the identity already has a profile and fields.
	OutcomeUpToDate Outcome = "up_to_date"
	// OutcomeNoPointer: this device never ran the legacy client.
	OutcomeNoPointer Outcome = "no_pointer"
	// OutcomeDanglingPointer: the pointer named no usable record; it was removed.
	OutcomeDanglingPointer Outcome = "dangling_pointer"
	// OutcomeMigrated: every step ran and the pointer was removed.
	OutcomeMigrated Outcome = "migrated"
	// OutcomeFailed: a step failed; the pointer was kept for a retry.
	OutcomeFailed Outcome = "failed"
)

// Report describes one run. It exists for logging and tests; callers never
// need to act on it.
type Report struct {
	UID             string
	FarmID          string
	Outcome         Outcome
	ProfileWritten  bool
	FieldPath       string
	GridCopied      bool
	VarianceCopied  bool
	PointerConsumed bool
	Err             error
}

// Workflow is the one-shot legacy migration.
type Workflow struct {
	store    repository.DocumentStore
	pointers PointerStore
	logger   *slog.Logger
}

// New creates a Workflow.
func New(store repository.DocumentStore, pointers PointerStore, logger *slog.Logger) *Workflow {
	return &Workflow{store: store, pointers: pointers, logger: logger}
}

// legacyFarm is the record shape written by the old client. Every member is
// kept raw: the old client did not validate what it stored, so each piece is
// checked on its own before use.
type legacyFarm struct {
	Profile  json.RawMessage `json:"profile"`
	Field    json.RawMessage `json:"field"`
	Grid     json.RawMessage `json:"grid"`
	Variance json.RawMessage `json:"variance"`
}

// legacyProfile holds the loosely typed legacy profile object.
type legacyProfile map[string]any

func (p legacyProfile) str(key string) string {
	s, _ := p[key].(string)
	return s
}

// createdAt returns the legacy timestamp if it is usable: positive epoch
// milliseconds, or an RFC 3339 string as some older clients stored.
func (p legacyProfile) createdAt() (int64, bool) {
	switch v := p["createdAt"].(type) {
	case float64:
		if v > 0 {
			return int64(v), true
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil && t.UnixMilli() > 0 {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// Run migrates the legacy farm remembered by this device into identity's
// namespace. It always returns; see the package doc for the failure policy.
func (w *Workflow) Run(ctx context.Context, identity model.Identity) Report {
	r := Report{UID: identity.UID}
	if err := w.run(ctx, identity, &r); err != nil {
		r.Outcome = OutcomeFailed
		r.Err = err
		w.logger.Warn("legacy migration failed, will retry on next sign-in",
			slog.String("uid", identity.UID),
			slog.String("farmID", r.FarmID),
			slog.String("error", err.Error()),
		)
		return r
	}

	w.logger.Info("legacy migration settled",
		slog.String("uid", identity.UID),
		slog.String("outcome", string(r.Outcome)),
		slog.Bool("profileWritten", r.ProfileWritten),
		slog.String("fieldPath", r.FieldPath),
		slog.Bool("gridCopied", r.GridCopied),
		slog.Bool("varianceCopied", r.VarianceCopied),
	)
	return r
}

func (w *Workflow) run(ctx context.Context, identity model.Identity, r *Report) error {
	uid := identity.UID

	// 1. Existence checks for the target identity.
	hasProfile, err := w.exists(ctx, repository.ProfilePath(uid))
	if err != nil {
		return err
	}
	hasFields, err := w.exists(ctx, repository.FieldsPath(uid))
	if err != nil {
		return err
	}

	// 2. Nothing to fill in.
	if hasProfile && hasFields {
		r.Outcome = OutcomeUpToDate
		return nil
	}

	// 3. Does this device remember a legacy farm?
	farmID, ok := w.pointers.Get(ctx, device.LegacyPointerKey)
	if !ok || farmID == "" {
		r.Outcome = OutcomeNoPointer
		return nil
	}
	r.FarmID = farmID

	// 4. Load the legacy record. A missing or malformed record is garbage:
	// consume the pointer so we never look at it again.
	raw, ok, err := w.store.Read(ctx, repository.LegacyFarmPath(farmID))
	if err != nil {
		return fmt.Errorf("migration: reading legacy farm %s: %w", farmID, err)
	}
	var farm legacyFarm
	if !ok || !isObject(raw) || json.Unmarshal(raw, &farm) != nil {
		w.pointers.Remove(ctx, device.LegacyPointerKey)
		r.PointerConsumed = true
		r.Outcome = OutcomeDanglingPointer
		return nil
	}

	var profile legacyProfile
	if isObject(farm.Profile) {
		if err := json.Unmarshal(farm.Profile, &profile); err != nil {
			profile = nil
		}
	}

	// 5. Profile, only when the identity has none.
	if !hasProfile && profile != nil {
		if err := w.writeProfile(ctx, identity, profile); err != nil {
			return err
		}
		r.ProfileWritten = true
	}

	// 6. One field, only when the identity has none and the polygon is usable.
	if !hasFields {
		if polygon, ok := legacyPolygon(farm.Field); ok {
			fieldPath, err := w.writeField(ctx, uid, profile, polygon)
			if err != nil {
				return err
			}
			r.FieldPath = fieldPath
		}
	}

	// 7. Continuity data is copied wholesale.
	if isContainer(farm.Grid) {
		if err := w.store.Write(ctx, repository.GridPath(uid), farm.Grid); err != nil {
			return fmt.Errorf("migration: copying grid: %w", err)
		}
		r.GridCopied = true
	}
	if isContainer(farm.Variance) {
		if err := w.store.Write(ctx, repository.VariancePath(uid), farm.Variance); err != nil {
			return fmt.Errorf("migration: copying variance: %w", err)
		}
		r.VarianceCopied = true
	}

	// 8. Done with this device's legacy farm.
	w.pointers.Remove(ctx, device.LegacyPointerKey)
	r.PointerConsumed = true
	r.Outcome = OutcomeMigrated
	return nil
}

// exists reports whether p holds a non-empty value.
func (w *Workflow) exists(ctx context.Context, p string) (bool, error) {
	raw, ok, err := w.store.Read(ctx, p)
	if err != nil {
		return false, fmt.Errorf("migration: checking %s: %w", p, err)
	}
	return ok && !isEmpty(raw), nil
}

func (w *Workflow) writeProfile(ctx context.Context, identity model.Identity, legacy legacyProfile) error {
	p := model.Profile{
		FarmerName: orDefault(legacy.str("farmerName"), DefaultFarmerName),
		FarmName:   orDefault(legacy.str("farmName"), DefaultFarmName),
		Email:      orDefault(identity.Email, legacy.str("email")),
	}
	if ts, ok := legacy.createdAt(); ok {
		p.CreatedAt = ts
	} else {
		p.CreatedAt = w.store.ServerTimestamp()
	}

	if err := w.store.Write(ctx, repository.ProfilePath(identity.UID), p); err != nil {
		return fmt.Errorf("migration: writing profile: %w", err)
	}
	return nil
}

func (w *Workflow) writeField(ctx context.Context, uid string, legacy legacyProfile, polygon []model.Point) (string, error) {
	now := w.store.ServerTimestamp()
	f := model.Field{
		FieldName: orDefault(legacy.str("farmName"), DefaultFieldName),
		CropType:  orDefault(legacy.str("cropType"), DefaultCropType),
		Geometry:  polygon,
		CreatedAt: now,
		UpdatedAt: now,
	}

	fieldPath := w.store.GenerateID(repository.FieldsPath(uid))
	if err := w.store.Write(ctx, fieldPath, f); err != nil {
		return "", fmt.Errorf("migration: writing field: %w", err)
	}
	return fieldPath, nil
}

// legacyPolygon extracts field.polygon when it is a list of at least
// MinFieldPoints vertices of exactly two coordinates each. A vertex with a
// third coordinate rejects the whole polygon rather than being truncated.
func legacyPolygon(field json.RawMessage) ([]model.Point, bool) {
	if !isObject(field) {
		return nil, false
	}
	var f struct {
		Polygon [][]float64 `json:"polygon"`
	}
	if err := json.Unmarshal(field, &f); err != nil {
		return nil, false
	}
	if len(f.Polygon) < model.MinFieldPoints {
		return nil, false
	}
	points := make([]model.Point, len(f.Polygon))
	for i, v := range f.Polygon {
		if len(v) != 2 {
			return nil, false
		}
		points[i] = model.Point{v[0], v[1]}
	}
	return points, true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// isObject reports whether raw is a JSON object.
func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

// isContainer reports whether raw is a JSON object or array.
func isContainer(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}

// isEmpty treats null, {} and [] as "nothing stored".
func isEmpty(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}
