package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/farmsync/internal/apperror"
	"github.com/sakif/farmsync/internal/middleware"
	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/risk"
)

// FarmReader is the read side of *service.FarmService.
type FarmReader interface {
	GetProfile(ctx context.Context, uid string) (*model.Profile, error)
	ListFields(ctx context.Context, uid string) ([]model.Field, error)
}

// SummarySource reports the live dashboard summary for an identity.
type SummarySource interface {
	Summary(uid string) (risk.Summary, bool)
}

// FarmHandler serves the signed-in farmer's data. Every route sits behind
// middleware.RequireSession.
type FarmHandler struct {
	farms     FarmReader
	dashboard SummarySource
	logger    *slog.Logger
}

// NewFarmHandler creates a FarmHandler.
func NewFarmHandler(farms FarmReader, dashboard SummarySource, logger *slog.Logger) *FarmHandler {
	return &FarmHandler{farms: farms, dashboard: dashboard, logger: logger}
}

// HandleProfile returns the farmer's profile.
//
// HTTP: GET /api/profile
func (h *FarmHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("sign in required"))
		return
	}

	p, err := h.farms.GetProfile(r.Context(), id.UID)
	if err != nil {
		h.logger.Debug("profile lookup failed", slog.String("uid", id.UID), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleFields returns the farmer's fields.
//
// HTTP: GET /api/fields
func (h *FarmHandler) HandleFields(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("sign in required"))
		return
	}

	fields, err := h.farms.ListFields(r.Context(), id.UID)
	if err != nil {
		h.logger.Error("listing fields failed", slog.String("uid", id.UID), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

// HandleDashboard returns the risk summary.
//
// HTTP: GET /api/dashboard
//
// The dashboard catches up with an identity change asynchronously, so a
// request that lands in between gets 503 rather than nothing.
func (h *FarmHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("sign in required"))
		return
	}

	s, ok := h.dashboard.Summary(id.UID)
	if !ok {
		w.Header().Set("Retry-After", "1")
		writeError(w, apperror.NotReady())
		return
	}
	writeJSON(w, http.StatusOK, s)
}
