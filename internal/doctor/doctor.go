// Package doctor runs the environment checks behind `storyforge doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/storyforge/internal/config"
	"github.com/basket/storyforge/internal/cron"
	"github.com/basket/storyforge/internal/persistence"
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. cfg is nil when loading failed.
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
		checkAPIKeys,
		checkPermissions,
		checkDatabase,
		checkJobs,
		checkNetwork,
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
	if cfg.Source == "" {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config file, using defaults", Detail: "Create " + config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.Source)}
}

// checkAPIKeys warns when no provider in the chain has a key: the server
// still runs, but every AI feature uses its fallback.
func checkAPIKeys(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Keys", Status: StatusSkip, Message: "Config missing"}
	}
	var ready, missing []string
	for _, name := range cfg.ProviderOrder() {
		if cfg.ProviderAPIKey(name) != "" {
			ready = append(ready, name)
		} else {
			missing = append(missing, name)
		}
	}
	if len(ready) == 0 {
		return CheckResult{
			Name:    "API Keys",
			Status:  StatusWarn,
			Message: "No provider has an API key; AI features will use fallbacks",
			Detail:  "Set one of GROQ_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, OPENROUTER_API_KEY",
		}
	}
	return CheckResult{
		Name:    "API Keys",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d provider(s) configured: %s", len(ready), strings.Join(ready, ", ")),
		Detail:  fmt.Sprintf("without key: %v", missing),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create home dir: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable", Detail: cfg.HomeDir}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), cfg.Database.Driver, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath()}
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("driver=%s, path=%s", cfg.Database.Driver, cfg.DBPath()),
	}
}

func checkJobs(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Jobs", Status: StatusSkip, Message: "Config missing"}
	}
	jobs := map[string]string{
		"reconcile_test_runs": cfg.Jobs.ReconcileTestRuns,
		"sprint_forecast":     cfg.Jobs.SprintForecast,
	}
	var details []string
	now := time.Now()
	for _, name := range []string{"reconcile_test_runs", "sprint_forecast"} {
		expr := jobs[name]
		if expr == "" {
			details = append(details, name+": disabled")
			continue
		}
		next, err := cron.NextRunTime(expr, now)
		if err != nil {
			return CheckResult{Name: "Jobs", Status: StatusFail, Message: fmt.Sprintf("%s: invalid schedule %q", name, expr), Detail: err.Error()}
		}
		details = append(details, fmt.Sprintf("%s: next %s", name, next.Format(time.RFC3339)))
	}
	return CheckResult{Name: "Jobs", Status: StatusPass, Message: "Schedules valid", Detail: strings.Join(details, "; ")}
}

var providerHosts = map[string]string{
	config.ProviderGoogle:    "generativelanguage.googleapis.com",
	config.ProviderAnthropic: "api.anthropic.com",
}

// providerHost returns the host the provider's API is reached on.
func providerHost(cfg *config.Config, name string) string {
	if p := cfg.Provider(name); p.BaseURL != "" {
		if u, err := url.Parse(p.BaseURL); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return providerHosts[name]
}

// checkNetwork resolves the first keyed provider, or the first in the
// chain when none has a key.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	order := cfg.ProviderOrder()
	if len(order) == 0 {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No providers configured"}
	}
	provider := order[0]
	for _, name := range order {
		if cfg.ProviderAPIKey(name) != "" {
			provider = name
			break
		}
	}
	host := providerHost(cfg, provider)
	if host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No known endpoint for provider %q", provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
