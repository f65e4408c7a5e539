package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/proofline/internal/config"
	"github.com/basket/proofline/internal/retention"
)

func newRetentionCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Prune old task events and audit rows",
	}
	var eventDays, auditDays int
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one retention sweep now",
		Long: `Run one retention sweep with the configured windows. Task records are
never deleted; only event log and audit rows older than the window are.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				policy := retention.Policy{
					TaskEventsDays: a.cfg.Retention.TaskEventsDays,
					AuditLogDays:   a.cfg.Retention.AuditLogDays,
				}
				if cmd.Flags().Changed("task-events-days") {
					policy.TaskEventsDays = eventDays
				}
				if cmd.Flags().Changed("audit-log-days") {
					policy.AuditLogDays = auditDays
				}
				sched, err := retention.NewScheduler(retention.Config{
					Runner:   a.store,
					Logger:   a.logger,
					Schedule: a.cfg.Retention.Schedule,
					Policy:   policy,
				})
				if err != nil {
					return err
				}
				res, err := sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				result := map[string]any{
					"purged_task_events": res.PurgedTaskEvents,
					"purged_audit_logs":  res.PurgedAuditLogs,
				}
				if next, err := retention.NextRunTime(a.cfg.Retention.Schedule, time.Now()); err == nil {
					result["next_scheduled_run"] = next.Format(time.RFC3339)
				}
				return out.value(result)
			})
		},
	}
	run.Flags().IntVar(&eventDays, "task-events-days", 0, "override the task event window (0 keeps forever)")
	run.Flags().IntVar(&auditDays, "audit-log-days", 0, "override the audit log window (0 keeps forever)")
	cmd.AddCommand(run)
	return cmd
}

func newBackupCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest-path>",
		Short: "Write a consistent copy of the task database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app, out *printer) error {
				if err := a.store.Backup(ctx, args[0]); err != nil {
					return err
				}
				return out.value(map[string]any{"backup": args[0]})
			})
		},
	}
}

func newStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query /healthz of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(opts.homeDir())
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return probeHealth(cmd.Context(), cfg.BindAddr, cmd.OutOrStdout())
		},
	}
}

// probeHealth copies the /healthz body of the server at addr to w.
func probeHealth(ctx context.Context, addr string, w io.Writer) error {
	addr = strings.TrimSpace(addr)
	var healthURL string
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		healthURL = strings.TrimRight(addr, "/") + "/healthz"
	} else {
		if host, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		healthURL = "http://" + addr + "/healthz"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = w.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = w.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: server unhealthy (HTTP %d)", resp.StatusCode)
	}
	return nil
}
