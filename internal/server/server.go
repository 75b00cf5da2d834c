// Package server is the composition root: it opens the stores, wires every
// component, mounts the routes and runs the daemon until its context ends.
//
//	config -> sqlite stores -> device storage
//	                        -> auth.Provider ------------> session.Machine -> dashboard.Watcher
//	                        -> migration.Workflow -------^
//	                        -> service.FarmService / AuthService -> handlers -> chi router
//
// Run drives the session machine, the dashboard watcher and the HTTP server
// in one errgroup; the first to fail stops the others.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/farmsync/internal/auth"
	"github.com/sakif/farmsync/internal/config"
	"github.com/sakif/farmsync/internal/dashboard"
	"github.com/sakif/farmsync/internal/device"
	"github.com/sakif/farmsync/internal/handler"
	"github.com/sakif/farmsync/internal/middleware"
	"github.com/sakif/farmsync/internal/migration"
	sqliteRepo "github.com/sakif/farmsync/internal/repository/sqlite"
	"github.com/sakif/farmsync/internal/service"
	"github.com/sakif/farmsync/internal/session"
)

const shutdownTimeout = 30 * time.Second

// Server owns the stores and every long-running component.
type Server struct {
	config config.Config
	logger *slog.Logger

	remote *sqliteRepo.DB
	device *sqliteRepo.DeviceDB

	provider  *auth.Provider
	machine   *session.Machine
	dashboard *dashboard.Watcher
	router    *chi.Mux
}

// New opens the stores and wires the application. The caller must Close
// the server once Run has returned.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	for _, p := range []string{cfg.RemoteDBPath, cfg.DeviceDBPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("server: creating data directory: %w", err)
		}
	}

	remote, err := sqliteRepo.OpenRemote(cfg.RemoteDBPath)
	if err != nil {
		return nil, fmt.Errorf("server: opening remote store: %w", err)
	}
	deviceDB, err := sqliteRepo.OpenDevice(cfg.DeviceDBPath)
	if err != nil {
		remote.Close()
		return nil, fmt.Errorf("server: opening device store: %w", err)
	}

	s := &Server{
		config: cfg,
		logger: logger,
		remote: remote,
		device: deviceDB,
		router: chi.NewRouter(),
	}
	if err := s.wire(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) wire() error {
	secret := s.config.JWTSecret
	if secret == "" {
		var err error
		if secret, err = randomSecret(); err != nil {
			return fmt.Errorf("server: generating token secret: %w", err)
		}
		s.logger.Warn("auth.jwt_secret not set; sessions will not survive a restart")
	}
	tokens, err := auth.NewTokenService(secret, s.config.TokenTTL)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	storage := device.New(s.device, s.logger)
	s.provider = auth.NewProvider(s.remote, auth.NewPasswordService(), tokens, storage, s.logger)

	migrator := migration.New(s.remote, storage, s.logger)
	s.machine = session.New(s.provider, s.remote, migrator, s.logger)
	s.dashboard = dashboard.New(s.machine, s.remote, s.logger)

	farms := service.NewFarmService(s.remote, s.config.GridSize, s.logger)
	authService := service.NewAuthService(s.provider, farms, s.logger)

	var github handler.GitHubExchanger
	if s.config.GitHub.Enabled() {
		github = auth.NewGitHubProvider(s.config.GitHub.ClientID, s.config.GitHub.ClientSecret, s.config.GitHub.CallbackURL)
	}

	s.routes(
		handler.NewAuthHandler(authService, github, s.logger),
		handler.NewSessionHandler(s.machine, s.config.WSOrigins, s.logger),
		handler.NewFarmHandler(farms, s.dashboard, s.logger),
	)
	return nil
}

// routes mounts every endpoint.
//
//	POST /api/auth/register      register a farmer, stays signed out
//	POST /api/auth/login         sign the device in
//	POST /api/auth/logout        sign the device out
//	GET  /auth/github/login      GitHub OAuth, when configured
//	GET  /auth/github/callback
//	GET  /api/session            current session snapshot
//	GET  /api/session/watch      WebSocket stream of snapshots
//	GET  /api/profile            gated on a ready session
//	GET  /api/fields
//	GET  /api/dashboard
func (s *Server) routes(authH *handler.AuthHandler, sessionH *handler.SessionHandler, farmH *handler.FarmHandler) {
	r := s.router
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if authH.GitHubEnabled() {
		r.Get("/auth/github/login", authH.HandleGitHubLogin)
		r.Get("/auth/github/callback", authH.HandleGitHubCallback)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", authH.HandleRegister)
		r.Post("/auth/login", authH.HandleLogin)
		r.Post("/auth/logout", authH.HandleLogout)

		r.Get("/session", sessionH.HandleGet)
		r.Get("/session/watch", sessionH.HandleWatch)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(s.machine))
			r.Get("/profile", farmH.HandleProfile)
			r.Get("/fields", farmH.HandleFields)
			r.Get("/dashboard", farmH.HandleDashboard)
		})
	})
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the session machine, the dashboard and the HTTP server, resumes
// any persisted sign-in, and blocks until ctx is cancelled or one of them
// fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: /api/session/watch streams for as long as the
		// client stays connected.
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.machine.Run(ctx) })
	g.Go(func() error { return s.dashboard.Run(ctx) })
	g.Go(func() error {
		s.provider.Resume(ctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("remote", s.config.RemoteDBPath),
			slog.String("device", s.config.DeviceDBPath),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	})
	return g.Wait()
}

// Close releases both stores.
func (s *Server) Close() error {
	return errors.Join(s.remote.Close(), s.device.Close())
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
