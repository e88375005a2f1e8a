// Package doctor runs environment diagnostics for an oni home: config,
// database, session stores, transcripts, and channel credentials.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/persistence"
	"github.com/basket/oni/internal/sessions"
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

// Failed reports whether any check ended in FAIL.
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
		checkSessionStores,
		checkOrphanTranscripts,
		checkCredentials,
		checkNetwork,
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
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (run oni config init)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(persistence.DBPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	// Open validates the schema ledger; exercise one query on top of it.
	if _, err := store.ListDevices(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkSessionStores(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Session Stores", Status: "SKIP", Message: "Config missing"}
	}

	paths, err := filepath.Glob(filepath.Join(sessions.Dir(cfg.HomeDir), "*.json"))
	if err != nil {
		return CheckResult{Name: "Session Stores", Status: "FAIL", Message: err.Error()}
	}
	if len(paths) == 0 {
		return CheckResult{Name: "Session Stores", Status: "PASS", Message: "No stores yet"}
	}

	var bad []string
	total := 0
	for _, path := range paths {
		agentID := strings.TrimSuffix(filepath.Base(path), ".json")
		store, err := sessions.Open(path, agentID)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", filepath.Base(path), err))
			continue
		}
		total += store.Len()
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return CheckResult{
			Name:    "Session Stores",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d stores unreadable", len(bad), len(paths)),
			Detail:  strings.Join(bad, "; "),
		}
	}
	return CheckResult{Name: "Session Stores", Status: "PASS", Message: fmt.Sprintf("%d stores, %d sessions", len(paths), total)}
}

func checkOrphanTranscripts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Transcripts", Status: "SKIP", Message: "Config missing"}
	}

	// Report only; archiving is the explicit `sessions cleanup` path.
	report, err := sessions.ArchiveOrphanTranscripts(cfg.HomeDir, time.Now().Unix(), false)
	if err != nil {
		if report != nil && report.Skipped {
			return CheckResult{Name: "Transcripts", Status: "WARN", Message: "Orphan scan skipped", Detail: err.Error()}
		}
		return CheckResult{Name: "Transcripts", Status: "FAIL", Message: err.Error()}
	}
	if len(report.Orphans) > 0 {
		return CheckResult{
			Name:    "Transcripts",
			Status:  "WARN",
			Message: fmt.Sprintf("%d orphan transcripts (of %d scanned)", len(report.Orphans), report.Scanned),
			Detail:  strings.Join(report.Orphans, "; "),
		}
	}
	return CheckResult{Name: "Transcripts", Status: "PASS", Message: fmt.Sprintf("%d transcripts, no orphans", report.Scanned)}
}

func checkCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "Config missing"}
	}

	checked := 0
	var missing []string
	for channelID, ch := range cfg.Channels {
		for accountID, account := range ch.Accounts {
			if account.CredentialsRef == "" {
				continue
			}
			checked++
			if !channels.CredentialConfigured(account.CredentialsRef) {
				missing = append(missing, fmt.Sprintf("%s/%s (%s)", channelID, accountID, channels.CredentialHint(account.CredentialsRef)))
			}
		}
	}
	if checked == 0 {
		return CheckResult{Name: "Credentials", Status: "PASS", Message: "No credential refs configured"}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return CheckResult{
			Name:    "Credentials",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d credential refs unresolvable", len(missing), checked),
			Detail:  strings.Join(missing, "; "),
		}
	}
	return CheckResult{Name: "Credentials", Status: "PASS", Message: fmt.Sprintf("%d credential refs resolvable", checked)}
}

// channelEndpoints maps channel ids to a representative API host for the DNS
// reachability check.
var channelEndpoints = map[string]string{
	"telegram": "api.telegram.org",
	"discord":  "discord.com",
	"slack":    "slack.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	var hosts []string
	for channelID := range cfg.Channels {
		if host, ok := channelEndpoints[channelID]; ok {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: "PASS", Message: "No API-backed channels configured"}
	}
	sort.Strings(hosts)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var failures []string
	for _, host := range hosts {
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", host, err))
		}
	}
	if len(failures) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %d of %d hosts", len(failures), len(hosts)),
			Detail:  strings.Join(failures, "; "),
		}
	}
	return CheckResult{Name: "Network", Status: "PASS", Message: fmt.Sprintf("DNS resolved %s", strings.Join(hosts, ", "))}
}
