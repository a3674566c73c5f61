// Package doctor runs local diagnostics for an afm installation.
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
	"syscall"
	"time"

	"github.com/basket/go-afm/internal/config"
	"github.com/basket/go-afm/internal/cron"
	"github.com/basket/go-afm/internal/otel"
	"github.com/basket/go-afm/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
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
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
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
		checkPermissions,
		checkDatabase,
		checkListener,
		checkSchedule,
		checkAdminToken,
		checkTelemetry,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml, using defaults",
			Detail: "Run `afm init` to write one"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.DBPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Database", Status: "WARN", Message: "Database not created yet",
			Detail: fmt.Sprintf("%s is created on first start", cfg.DBPath)}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	queue, err := store.TaskSummary(ctx, persistence.TaskFilter{})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var queued, processing int64
	for _, q := range queue {
		queued += q.Queued
		processing += q.Processing
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, queued=%d, processing=%d", cfg.DBPath, queued, processing),
	}
}

// checkListener warns when bind_addr is taken. A running afm also holds the
// port, so this is never a failure.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Listener", Status: "WARN", Message: fmt.Sprintf("%s is in use", cfg.BindAddr),
				Detail: "Expected if afm is already running"}
		}
		return CheckResult{Name: "Listener", Status: "FAIL", Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err)}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: "PASS", Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Cleanup Schedule", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.CleanupSchedule == "" {
		if !cfg.AutoCleanup {
			return CheckResult{Name: "Cleanup Schedule", Status: "WARN",
				Message: "No background sweep and auto_cleanup is off; silent agents are never reconciled"}
		}
		return CheckResult{Name: "Cleanup Schedule", Status: "PASS", Message: "Background sweep disabled, cleanup runs on poll"}
	}
	next, err := cron.NextRunTime(cfg.CleanupSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Cleanup Schedule", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Cleanup Schedule", Status: "PASS",
		Message: fmt.Sprintf("%q, next run %s", cfg.CleanupSchedule, next.Format(time.RFC3339))}
}

func checkAdminToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Admin Token", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.AdminToken != "" {
		return CheckResult{Name: "Admin Token", Status: "PASS", Message: "Admin routes require a token"}
	}
	host, _, _ := net.SplitHostPort(cfg.BindAddr)
	switch strings.ToLower(host) {
	case "127.0.0.1", "localhost", "::1":
		return CheckResult{Name: "Admin Token", Status: "PASS", Message: "No token, loopback bind"}
	}
	return CheckResult{Name: "Admin Token", Status: "WARN", Message: "Admin routes are open on a non-loopback bind",
		Detail: "Set admin_token or AFM_ADMIN_TOKEN"}
}

func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.OTel.Enabled {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "OpenTelemetry disabled"}
	}
	if cfg.OTel.Exporter != otel.ExporterOTLPHTTP && cfg.OTel.Exporter != "" {
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Exporter %q", cfg.OTel.Exporter)}
	}
	endpoint := cfg.OTel.Endpoint
	if endpoint == "" {
		endpoint = otel.DefaultOTLPEndpoint
	}
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telemetry",
		Status:  "PASS",
		Message: fmt.Sprintf("OTLP endpoint %s resolved (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
