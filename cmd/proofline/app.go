package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/proofline/internal/audit"
	"github.com/basket/proofline/internal/blob"
	"github.com/basket/proofline/internal/bus"
	"github.com/basket/proofline/internal/config"
	"github.com/basket/proofline/internal/directory"
	"github.com/basket/proofline/internal/lifecycle"
	plotel "github.com/basket/proofline/internal/otel"
	"github.com/basket/proofline/internal/persistence"
	"github.com/basket/proofline/internal/telemetry"
)

// app holds the collaborators every command needs.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus
	store  *persistence.Store
	blobs  *blob.FileStore
	dir    *directory.Directory
	otel   *plotel.Provider
	svc    *lifecycle.Service

	closers []func() error
}

// openApp loads config from homeDir and opens the store, artifact store and
// lifecycle service. quietLogs keeps logs out of stdout.
func openApp(ctx context.Context, homeDir string, quietLogs bool) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.cfg, err = config.LoadFrom(homeDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := audit.Init(a.cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}
	a.closers = append(a.closers, audit.Close)

	logger, closer, err := telemetry.NewLogger(a.cfg.HomeDir, a.cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, closer.Close)

	a.otel, err = plotel.Init(ctx, a.cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.otel.Shutdown(context.Background()) })
	metrics, err := plotel.NewMetrics(a.otel.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.bus = bus.New()
	a.closers = append(a.closers, a.bus.Close)
	a.store, err = persistence.Open(a.cfg.ResolvedDBPath(), a.bus)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	audit.SetDB(a.store.DB())

	a.blobs, err = blob.NewFileStore(a.cfg.ResolvedBlobDir(), a.cfg.MaxArtifactBytes())
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	a.dir = directory.New(a.cfg.PeopleByID())

	a.svc, err = lifecycle.New(lifecycle.Config{
		Store:         a.store,
		Blobs:         a.blobs,
		Directory:     a.dir,
		Logger:        a.logger,
		Tracer:        a.otel.Tracer,
		Metrics:       metrics,
		DefaultPhases: a.cfg.DefaultPhaseSet(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// reload applies the parts of cfg that can change at runtime. Other settings
// need a restart.
func (a *app) reload(cfg config.Config) {
	a.dir.Replace(cfg.PeopleByID())
	a.cfg.People = cfg.People
	a.cfg.Retention = cfg.Retention
}

// loadAuthToken returns the configured token, or reads <home>/auth.token,
// generating one on first run.
func loadAuthToken(cfg config.Config, logger *slog.Logger) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	logger.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// openArtifact reads a file argument for proof submission.
func openArtifact(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open artifact: %v", lifecycle.ErrValidation, err)
	}
	return f, nil
}
