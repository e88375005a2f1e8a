package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Maintenance modes. Warn reports what enforce would do; enforce deletes.
const (
	ModeWarn    = "warn"
	ModeEnforce = "enforce"
)

// Action reasons reported per session by a maintenance pass.
const (
	ActionKeep  = "keep"
	ActionPrune = "prune" // older than MaxAge
	ActionCap   = "cap"   // over MaxEntries, evicted oldest first
)

// CleanupOptions configures one maintenance pass.
//
// Exactly one scope selector may be set: StorePath, AgentID, or AllAgents.
// Setting none defaults to AllAgents. Setting more than one is a
// configuration error reported before any I/O happens.
type CleanupOptions struct {
	HomeDir string

	Mode    string // warn or enforce; empty means warn
	Enforce bool   // force enforce regardless of Mode
	DryRun  bool   // never delete, report actions only

	ActiveKey string // session never evicted

	StorePath string
	AgentID   string
	AllAgents bool

	MaxAge     time.Duration // 0 disables age pruning
	MaxEntries int           // 0 disables the count cap

	Now time.Time // zero means time.Now()
}

func (o *CleanupOptions) enforcing() bool {
	if o.DryRun {
		return false
	}
	return o.Enforce || o.Mode == ModeEnforce
}

// ActionRow is the per-session outcome of a maintenance pass.
type ActionRow struct {
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	UpdatedAt time.Time `json:"updatedAt"`
	Age       string    `json:"age,omitempty"`
}

// StoreSummary is the result for one store file.
//
// Before - Pruned - Capped == After always holds, in warn mode too (the
// counts then describe what enforce would have done).
type StoreSummary struct {
	StorePath string      `json:"storePath"`
	AgentID   string      `json:"agentId,omitempty"`
	Before    int         `json:"before"`
	Pruned    int         `json:"pruned"`
	Capped    int         `json:"capped"`
	After     int         `json:"after"`
	Enforced  bool        `json:"enforced"`
	Actions   []ActionRow `json:"actions,omitempty"`
	Err       string      `json:"error,omitempty"`
}

// Summary aggregates a whole maintenance pass.
type Summary struct {
	Mode     string         `json:"mode"`
	Enforced bool           `json:"enforced"`
	Stores   []StoreSummary `json:"stores"`
	Before   int            `json:"before"`
	Pruned   int            `json:"pruned"`
	Capped   int            `json:"capped"`
	After    int            `json:"after"`
}

// Cleanup runs one maintenance pass over the selected scope.
//
// A store that fails to open is isolated: its summary carries the error and
// the pass continues with the remaining stores.
func Cleanup(opts CleanupOptions) (*Summary, error) {
	paths, err := resolveScope(&opts)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	enforce := opts.enforcing()
	mode := opts.Mode
	if mode == "" {
		mode = ModeWarn
	}
	if opts.Enforce {
		mode = ModeEnforce
	}

	summary := &Summary{Mode: mode, Enforced: enforce}
	for _, p := range paths {
		ss := cleanupStore(p.path, p.agentID, opts, now, enforce)
		summary.Stores = append(summary.Stores, ss)
		summary.Before += ss.Before
		summary.Pruned += ss.Pruned
		summary.Capped += ss.Capped
		summary.After += ss.After
	}
	return summary, nil
}

type scopedStore struct {
	path    string
	agentID string
}

func resolveScope(opts *CleanupOptions) ([]scopedStore, error) {
	selectors := 0
	if opts.StorePath != "" {
		selectors++
	}
	if opts.AgentID != "" {
		selectors++
	}
	if opts.AllAgents {
		selectors++
	}
	if selectors > 1 {
		return nil, fmt.Errorf("cleanup scope is ambiguous: choose one of store path, agent, or all agents")
	}

	switch {
	case opts.StorePath != "":
		return []scopedStore{{path: opts.StorePath}}, nil
	case opts.AgentID != "":
		if opts.HomeDir == "" {
			return nil, fmt.Errorf("cleanup by agent requires a home directory")
		}
		return []scopedStore{{path: StorePath(opts.HomeDir, opts.AgentID), agentID: opts.AgentID}}, nil
	default:
		if opts.HomeDir == "" {
			return nil, fmt.Errorf("cleanup across all agents requires a home directory")
		}
		return listStores(opts.HomeDir)
	}
}

func listStores(homeDir string) ([]scopedStore, error) {
	entries, err := os.ReadDir(Dir(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list session stores: %w", err)
	}
	var out []scopedStore
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		agentID := strings.TrimSuffix(e.Name(), ".json")
		out = append(out, scopedStore{path: filepath.Join(Dir(homeDir), e.Name()), agentID: agentID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

func cleanupStore(path, agentID string, opts CleanupOptions, now time.Time, enforce bool) StoreSummary {
	ss := StoreSummary{StorePath: path, AgentID: agentID, Enforced: enforce}
	store, err := Open(path, agentID)
	if err != nil {
		ss.Err = err.Error()
		return ss
	}

	records := store.List()
	ss.Before = len(records)

	// Oldest first so the cap evicts from the tail of history.
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.Before(records[j].UpdatedAt)
		}
		return records[i].Key < records[j].Key
	})

	actions := make(map[string]string, len(records))
	var evict []string

	if opts.MaxAge > 0 {
		cutoff := now.Add(-opts.MaxAge)
		for _, rec := range records {
			if rec.Key == opts.ActiveKey {
				continue
			}
			if rec.UpdatedAt.Before(cutoff) {
				actions[rec.Key] = ActionPrune
				evict = append(evict, rec.Key)
				ss.Pruned++
			}
		}
	}

	if opts.MaxEntries > 0 {
		remaining := ss.Before - ss.Pruned
		over := remaining - opts.MaxEntries
		for _, rec := range records {
			if over <= 0 {
				break
			}
			if rec.Key == opts.ActiveKey || actions[rec.Key] != "" {
				continue
			}
			actions[rec.Key] = ActionCap
			evict = append(evict, rec.Key)
			ss.Capped++
			over--
		}
	}

	ss.After = ss.Before - ss.Pruned - ss.Capped

	for _, rec := range records {
		action := actions[rec.Key]
		if action == "" {
			action = ActionKeep
		}
		ss.Actions = append(ss.Actions, ActionRow{
			Key:       rec.Key,
			Action:    action,
			UpdatedAt: rec.UpdatedAt,
			Age:       now.Sub(rec.UpdatedAt).Truncate(time.Second).String(),
		})
	}

	if enforce && len(evict) > 0 {
		if err := store.DeleteAll(evict); err != nil {
			ss.Err = err.Error()
		}
	}
	return ss
}
