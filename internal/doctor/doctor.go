// Package doctor runs local installation checks: config, database, artifact
// store, log directory and listen address.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/proofline/internal/config"
	"github.com/basket/proofline/internal/lifecycle"
	"github.com/basket/proofline/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. It opens its own store handle, so it
// must not run inside a process that already holds one for writing.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkWritableDir("Artifact Store", func(c *config.Config) string { return c.ResolvedBlobDir() }),
		checkWritableDir("Logs", func(c *config.Config) string { return filepath.Join(c.HomeDir, "logs") }),
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml missing; using defaults",
			Detail:  fmt.Sprintf("create %s to list people and default phases", config.ConfigPath(cfg.HomeDir)),
		}
	}
	detail := fmt.Sprintf("people=%d default_phases=%s", len(cfg.People), strings.Join(cfg.DefaultPhaseSet().Strings(), ","))
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: detail}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.ResolvedDBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	var integrity string
	if err := store.DB().QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&integrity); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Database", Status: StatusFail, Message: "Integrity check reported problems", Detail: integrity}
	}
	recs, err := store.ListRecords(ctx, lifecycle.ListFilter{Limit: 1})
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s has_tasks=%t", cfg.ResolvedDBPath(), len(recs) > 0),
	}
}

func checkWritableDir(name string, dirOf func(*config.Config) string) func(context.Context, *config.Config) CheckResult {
	return func(_ context.Context, cfg *config.Config) CheckResult {
		if cfg == nil {
			return CheckResult{Name: name, Status: StatusSkip, Message: "Config missing"}
		}
		dir := dirOf(cfg)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
		return CheckResult{Name: name, Status: StatusPass, Message: fmt.Sprintf("%s writable", dir)}
	}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listen Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return CheckResult{Name: "Listen Address", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
		}
		return CheckResult{
			Name:    "Listen Address",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s in use", cfg.BindAddr),
			Detail:  "a server may already be running; check with `proofline status`",
		}
	}
	ln.Close()
	return CheckResult{Name: "Listen Address", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}
