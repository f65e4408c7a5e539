package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/proofline/internal/config"
	"github.com/basket/proofline/internal/gateway"
	"github.com/basket/proofline/internal/retention"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOpts) *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and change-notification websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.homeDir(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			if bindAddr != "" {
				a.cfg.BindAddr = bindAddr
			}
			return runServer(ctx, a)
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (default bind_addr from config)")
	return cmd
}

// runServer serves the gateway until ctx is cancelled, alongside the config
// watcher, the retention scheduler and rate-limit bucket eviction.
func runServer(ctx context.Context, a *app) error {
	logger := a.logger
	token, err := loadAuthToken(a.cfg, logger)
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		Service:           a.svc,
		Artifacts:         a.blobs,
		Bus:               a.bus,
		Logger:            logger,
		Tracer:            a.otel.Tracer,
		AuthToken:         token,
		AllowOrigins:      a.cfg.AllowOrigins,
		ConfigFingerprint: a.cfg.Fingerprint(),
		MaxArtifactBytes:  a.cfg.MaxArtifactBytes(),
		RateLimit:         a.cfg.RateLimit,
		Health: func(ctx context.Context) error {
			return a.store.DB().PingContext(ctx)
		},
	})
	if err != nil {
		return err
	}

	sched, err := retention.NewScheduler(retention.Config{
		Runner:   a.store,
		Logger:   logger,
		Schedule: a.cfg.Retention.Schedule,
		Policy:   policyOf(a.cfg),
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("listen %s: %w\n%s", a.cfg.BindAddr, err, portOccupantHint(a.cfg.BindAddr))
		}
		return fmt.Errorf("listen %s: %w", a.cfg.BindAddr, err)
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	sched.Start(gctx)
	defer sched.Stop()
	if a.cfg.RateLimit.Enabled {
		g.Go(func() error { return gw.Limiter().RunEviction(gctx, time.Minute, 10*time.Minute) })
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, a.cfg, func(r config.Reload) {
		applyReload(a, sched, r, logger)
	}, logger)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			logger.Warn("config watcher disabled", "error", err)
		}
		return nil
	})

	logger.Info("proofline serving",
		"addr", ln.Addr().String(),
		"db", a.cfg.ResolvedDBPath(),
		"config_hash", a.cfg.Fingerprint(),
		"next_retention", sched.NextRun().Format(time.RFC3339),
	)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("proofline stopped")
	return nil
}

// applyReload refreshes the identity directory and retention policy from a
// rewritten config.yaml. Other settings need a restart.
func applyReload(a *app, sched *retention.Scheduler, r config.Reload, logger *slog.Logger) {
	if r.Err != nil {
		logger.Error("config reload failed; keeping previous config", "error", r.Err)
		return
	}
	a.reload(r.Config)
	sched.SetPolicy(policyOf(r.Config))
	logger.Info("config reloaded",
		"config_hash", r.Config.Fingerprint(),
		"people", len(r.Config.People),
	)
}

func policyOf(cfg config.Config) retention.Policy {
	return retention.Policy{
		TaskEventsDays: cfg.Retention.TaskEventsDays,
		AuditLogDays:   cfg.Retention.AuditLogDays,
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}
