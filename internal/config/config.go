// Package config loads and mutates the gateway configuration tree.
//
// The tree lives in a single JSON5-tolerant file (config.json5) under the
// oni home directory. Mutations never edit a tree in place: every ApplyX
// function returns a new tree, so concurrent readers holding the old pointer
// never observe a half-written config.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/basket/oni/internal/telemetry"
)

// DefaultAccountID is the sentinel account id used when a channel is
// configured without naming an account.
const DefaultAccountID = "default"

// GroupPolicy values for ChannelAccount.GroupPolicy.
const (
	GroupPolicyOpen      = "open"
	GroupPolicyAllowlist = "allowlist"
	GroupPolicyClosed    = "closed"
)

type GatewayConfig struct {
	BindAddr     string   `json:"bindAddr,omitempty"`
	AuthToken    string   `json:"authToken,omitempty"`
	AllowOrigins []string `json:"allowOrigins,omitempty"`
	LogLevel     string   `json:"logLevel,omitempty"`
}

// ChannelConfig holds all configured accounts for one channel.
type ChannelConfig struct {
	Accounts map[string]ChannelAccount `json:"accounts,omitempty"`
}

// ChannelAccount is one configured identity for a provider.
// (channelId, accountId) is globally unique; both are carried out-of-band
// by the map keys and filled in by ResolveAccount.
type ChannelAccount struct {
	ChannelID string `json:"-"`
	AccountID string `json:"-"`

	// Enabled defaults to true when absent.
	Enabled *bool `json:"enabled,omitempty"`

	// CredentialsRef is opaque to the gateway; adapters resolve it
	// (e.g. "env:TELEGRAM_TOKEN" or a credential file path).
	CredentialsRef string `json:"credentialsRef,omitempty"`

	// AllowFrom is the DM/sender allowlist. Entries may be written as
	// strings or numbers in the config file.
	AllowFrom AllowList `json:"allowFrom,omitempty"`

	// GroupPolicy is one of "open", "allowlist", "closed".
	GroupPolicy string `json:"groupPolicy,omitempty"`

	// DefaultTo is the destination used when a send names no target.
	DefaultTo string `json:"defaultTo,omitempty"`
}

// IsEnabled reports whether the account is enabled (absent means enabled).
func (a ChannelAccount) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults,omitempty"`
	List     []AgentEntry  `json:"list,omitempty"`
}

type AgentDefaults struct {
	Model *ModelSpec `json:"model,omitempty"`
}

// AgentEntry is one configured agent persona.
type AgentEntry struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	Workspace string           `json:"workspace,omitempty"`
	AgentDir  string           `json:"agentDir,omitempty"`
	Model     *ModelSpec       `json:"model,omitempty"`
	Identity  *IdentityConfig  `json:"identity,omitempty"`
	GroupChat *GroupChatConfig `json:"groupChat,omitempty"`
	Subagents []string         `json:"subagents,omitempty"`
	Sandbox   *SandboxConfig   `json:"sandbox,omitempty"`
	Tools     *AgentTools      `json:"tools,omitempty"`
}

type IdentityConfig struct {
	Name   string `json:"name,omitempty"`
	Emoji  string `json:"emoji,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type GroupChatConfig struct {
	// MentionRequired defaults to true when absent: in groups the agent
	// only answers when explicitly mentioned.
	MentionRequired *bool  `json:"mentionRequired,omitempty"`
	ToolPolicy      string `json:"toolPolicy,omitempty"`
}

// SandboxConfig is carried as data for the agent collaborator; the gateway
// never executes sandboxed tools itself.
type SandboxConfig struct {
	Mode            string `json:"mode,omitempty"`
	Scope           string `json:"scope,omitempty"`
	PerSession      *bool  `json:"perSession,omitempty"`
	WorkspaceAccess string `json:"workspaceAccess,omitempty"`
	WorkspaceRoot   string `json:"workspaceRoot,omitempty"`
}

type AgentTools struct {
	Allow    []string        `json:"allow,omitempty"`
	Deny     []string        `json:"deny,omitempty"`
	Elevated *ElevatedConfig `json:"elevated,omitempty"`
}

type ElevatedConfig struct {
	Enabled   bool      `json:"enabled"`
	AllowFrom AllowList `json:"allowFrom,omitempty"`
}

type SessionsConfig struct {
	// MaxAgeDays prunes session records older than this. 0 uses the default.
	MaxAgeDays int `json:"maxAgeDays,omitempty"`
	// MaxEntries caps each per-agent store. 0 uses the default.
	MaxEntries int `json:"maxEntries,omitempty"`
	// Mode is "warn" (report only) or "enforce".
	Mode string `json:"mode,omitempty"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"` // 5-field cron expression
}

type SkillEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Config is the root of the gateway configuration tree.
type Config struct {
	HomeDir string `json:"-"`

	Gateway   GatewayConfig            `json:"gateway,omitempty"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Agents    AgentsConfig             `json:"agents,omitempty"`
	Sessions  SessionsConfig           `json:"sessions,omitempty"`
	Heartbeat HeartbeatConfig          `json:"heartbeat,omitempty"`
	Telemetry telemetry.OTelConfig     `json:"telemetry,omitempty"`
	Skills    []SkillEntry             `json:"skills,omitempty"`

	NeedsInit bool `json:"-"`
}

// ConfigPath returns the path to config.json5 within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.json5")
}

// HomeDir returns the oni home directory (ONI_HOME override, else ~/.oni).
func HomeDir() string {
	if override := os.Getenv("ONI_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".oni")
}

// Load reads, validates and normalizes the configuration tree.
// A missing config file yields a default tree with NeedsInit set; a malformed
// one is a fatal configuration-shape error.
func Load() (*Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create oni home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return nil, fmt.Errorf("read config.json5: %w", err)
		}
	} else if len(bytes.TrimSpace(data)) > 0 {
		plain := jsonc.ToJSON(data)
		if err := ValidateSchema(plain); err != nil {
			return nil, fmt.Errorf("config.json5: %w", err)
		}
		if err := json.Unmarshal(plain, cfg); err != nil {
			return nil, fmt.Errorf("parse config.json5: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	normalize(cfg)
	return cfg, nil
}

// Save writes the tree back to config.json5 atomically (temp file + rename).
func (c *Config) Save() error {
	out, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	out = append(out, '\n')
	return writeFileAtomic(ConfigPath(c.HomeDir), out, 0o644)
}

// Clone returns a deep copy of the tree. The model tri-state (absent vs
// explicitly empty fallbacks) survives the copy because ModelSpec carries it
// through its JSON codec.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		// Config trees are plain data; marshal cannot fail on a valid tree.
		panic(fmt.Sprintf("config clone marshal: %v", err))
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("config clone unmarshal: %v", err))
	}
	out.HomeDir = c.HomeDir
	out.NeedsInit = c.NeedsInit
	return out
}

// Fingerprint returns a stable hash of the active config, surfaced by the
// health RPC so clients can detect reloads.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|channels=%d|agents=%d|origins=%v",
		c.Gateway.BindAddr, c.Gateway.LogLevel, len(c.Channels), len(c.Agents.List), c.Gateway.AllowOrigins)
	if c.Agents.Defaults.Model != nil {
		fmt.Fprintf(h, "|model=%s", c.Agents.Defaults.Model.Primary)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ResolveAccount returns the account for (channelID, accountID) with the
// identity fields filled in. An empty accountID means the default account.
func (c *Config) ResolveAccount(channelID, accountID string) (ChannelAccount, bool) {
	if accountID == "" {
		accountID = DefaultAccountID
	}
	ch, ok := c.Channels[channelID]
	if !ok {
		return ChannelAccount{}, false
	}
	acct, ok := ch.Accounts[accountID]
	if !ok {
		return ChannelAccount{}, false
	}
	acct.ChannelID = channelID
	acct.AccountID = accountID
	return acct, true
}

// ListAccountIDs returns the configured account ids for a channel, sorted.
func (c *Config) ListAccountIDs(channelID string) []string {
	ch, ok := c.Channels[channelID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(ch.Accounts))
	for id := range ch.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentByID returns the agent entry with the given id (case-insensitive).
func (c *Config) AgentByID(id string) (AgentEntry, bool) {
	for _, a := range c.Agents.List {
		if strings.EqualFold(a.ID, id) {
			return a, true
		}
	}
	return AgentEntry{}, false
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ONI_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("ONI_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("ONI_LOG_LEVEL"); raw != "" {
		cfg.Gateway.LogLevel = raw
	}
}

func normalize(cfg *Config) {
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18900"
	}
	if cfg.Gateway.LogLevel == "" {
		cfg.Gateway.LogLevel = "info"
	}
	if cfg.Sessions.MaxAgeDays <= 0 {
		cfg.Sessions.MaxAgeDays = 30
	}
	if cfg.Sessions.MaxEntries <= 0 {
		cfg.Sessions.MaxEntries = 500
	}
	if cfg.Sessions.Mode == "" {
		cfg.Sessions.Mode = "warn"
	}
	if cfg.Heartbeat.Schedule == "" {
		cfg.Heartbeat.Schedule = "*/30 * * * *"
	}
	for chID, ch := range cfg.Channels {
		for acctID, acct := range ch.Accounts {
			if acct.GroupPolicy == "" {
				acct.GroupPolicy = GroupPolicyAllowlist
				ch.Accounts[acctID] = acct
			}
		}
		cfg.Channels[chID] = ch
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-config-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
