// Package service holds the business rules between the HTTP handlers and the
// stores.
//
//	Handler (HTTP)  -> parses requests, writes responses
//	Service         -> validates, enforces rules, orchestrates
//	Repository      -> reads and writes the stores
//
// Services take repository interfaces, never *sqlite.DB, and return
// apperror values that handlers map to status codes.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"

	"github.com/sakif/farmsync/internal/apperror"
	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
	"github.com/sakif/farmsync/internal/risk"
)

// Seed grid bounds. Rows are lettered, so 26 is the hard limit.
const (
	DefaultGridSize = 8
	MaxGridSize     = 26
)

// Seed cell contents for a freshly registered field.
const (
	seedSignal = "stable"
	seedAction = "No action needed"
)

// FarmService reads and writes the per-identity farm records.
type FarmService struct {
	store    repository.DocumentStore
	gridSize int
	logger   *slog.Logger
}

// NewFarmService creates a FarmService. gridSize outside 1..MaxGridSize falls
// back to DefaultGridSize.
func NewFarmService(store repository.DocumentStore, gridSize int, logger *slog.Logger) *FarmService {
	if gridSize < 1 || gridSize > MaxGridSize {
		gridSize = DefaultGridSize
	}
	return &FarmService{store: store, gridSize: gridSize, logger: logger}
}

// CreateProfile writes uid's profile, stamping CreatedAt with the store clock
// when it is unset.
func (s *FarmService) CreateProfile(ctx context.Context, uid string, p model.Profile) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = s.store.ServerTimestamp()
	}
	if err := s.store.Write(ctx, repository.ProfilePath(uid), p); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}

// GetProfile returns apperror.ErrNotFound when uid has no profile.
func (s *FarmService) GetProfile(ctx context.Context, uid string) (*model.Profile, error) {
	var p model.Profile
	ok, err := s.read(ctx, repository.ProfilePath(uid), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.NotFound("profile", uid)
	}
	return &p, nil
}

// AddField validates f and stores it under a fresh id, which it returns.
func (s *FarmService) AddField(ctx context.Context, uid string, f model.Field) (string, error) {
	if len(f.Geometry) < model.MinFieldPoints {
		return "", apperror.ValidationFailed("geometry",
			fmt.Sprintf("a field needs at least %d points", model.MinFieldPoints))
	}
	if !model.IsKnownCrop(f.CropType) {
		return "", apperror.ValidationFailed("cropType", "unknown crop type "+strconv.Quote(f.CropType))
	}

	now := s.store.ServerTimestamp()
	f.ID = ""
	f.CreatedAt = now
	f.UpdatedAt = now

	p := s.store.GenerateID(repository.FieldsPath(uid))
	if err := s.store.Write(ctx, p, f); err != nil {
		return "", fmt.Errorf("writing field: %w", err)
	}
	return path.Base(p), nil
}

// ListFields returns uid's fields in creation order. A farmer with no fields
// gets an empty slice.
func (s *FarmService) ListFields(ctx context.Context, uid string) ([]model.Field, error) {
	var byID map[string]model.Field
	if _, err := s.read(ctx, repository.FieldsPath(uid), &byID); err != nil {
		return nil, err
	}

	fields := make([]model.Field, 0, len(byID))
	for id, f := range byID {
		f.ID = id
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].ID < fields[j].ID })
	return fields, nil
}

// GetGrid returns uid's grid, or nil when none is stored.
func (s *FarmService) GetGrid(ctx context.Context, uid string) (*model.Grid, error) {
	var g model.Grid
	ok, err := s.read(ctx, repository.GridPath(uid), &g)
	if err != nil || !ok {
		return nil, err
	}
	return &g, nil
}

// GetVariance returns uid's variance series, or nil when none is stored.
func (s *FarmService) GetVariance(ctx context.Context, uid string) (model.VarianceSeries, error) {
	var v model.VarianceSeries
	ok, err := s.read(ctx, repository.VarianceSeriesPath(uid), &v)
	if err != nil || !ok {
		return nil, err
	}
	if v == nil {
		v = model.VarianceSeries{}
	}
	return v, nil
}

// Seed writes an all-green grid and a starter variance series for uid, so a
// new farmer's dashboard has something to show.
func (s *FarmService) Seed(ctx context.Context, uid string) error {
	if err := s.store.Write(ctx, repository.GridPath(uid), SeedGrid(s.gridSize)); err != nil {
		return fmt.Errorf("seeding grid: %w", err)
	}
	if err := s.store.Write(ctx, repository.VarianceSeriesPath(uid), risk.SyntheticVariance()); err != nil {
		return fmt.Errorf("seeding variance: %w", err)
	}
	s.logger.Debug("seeded farm data", slog.String("uid", uid), slog.Int("gridSize", s.gridSize))
	return nil
}

// SeedGrid returns a size x size grid with every cell green. Cells are
// labelled A1 .. {row letter}{size}.
func SeedGrid(size int) model.Grid {
	g := model.Grid{Size: size, Cells: make(map[string]model.Cell, size*size)}
	for r := 0; r < size; r++ {
		for c := 1; c <= size; c++ {
			g.Cells[CellLabel(r, c)] = model.Cell{
				Level:           model.LevelGreen,
				Signal:          seedSignal,
				SuggestedAction: seedAction,
			}
		}
	}
	return g
}

// CellLabel returns the label of the cell at zero-based row and one-based
// column, e.g. CellLabel(0, 1) == "A1".
func CellLabel(row, col int) string {
	return string(rune('A'+row)) + strconv.Itoa(col)
}

// read decodes the value at p into v. ok is false when nothing is stored.
func (s *FarmService) read(ctx context.Context, p string, v any) (bool, error) {
	raw, ok, err := s.store.Read(ctx, p)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", p, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", p, err)
	}
	return true, nil
}
