// Package sessions persists conversation session records and bounds their
// growth over time.
//
// Each agent owns one JSON store file mapping session key → record. Writes
// are atomic (temp file + rename) so a crash mid-write never truncates the
// store. Maintenance passes prune by age, cap by count, and always protect
// the active conversation.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Record is one persisted conversation.
type Record struct {
	Key            string    `json:"key"`
	AgentID        string    `json:"agentId"`
	Model          string    `json:"model,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
	TranscriptPath string    `json:"transcriptPath,omitempty"`
}

// Store is one agent's session store, held in memory and flushed to disk on
// every mutation.
type Store struct {
	path    string
	agentID string

	mu      sync.Mutex
	records map[string]Record
}

// Dir returns the sessions directory under an oni home.
func Dir(homeDir string) string {
	return filepath.Join(homeDir, "sessions")
}

// StorePath returns the store file for one agent.
func StorePath(homeDir, agentID string) string {
	return filepath.Join(Dir(homeDir), agentID+".json")
}

// TranscriptDir returns the directory holding transcript files referenced by
// session records.
func TranscriptDir(homeDir string) string {
	return filepath.Join(Dir(homeDir), "transcripts")
}

// Open loads a store file, creating an empty store when the file is missing.
// A malformed file is an error; callers running maintenance isolate it per
// store rather than aborting the whole pass.
func Open(path, agentID string) (*Store, error) {
	s := &Store{path: path, agentID: agentID, records: make(map[string]Record)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read session store %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse session store %s: %w", path, err)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// AgentID returns the owning agent id ("" for a bare path store).
func (s *Store) AgentID() string { return s.agentID }

// Get returns the record for key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Put inserts or replaces a record and flushes the store.
func (s *Store) Put(rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("session record key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	return s.saveLocked()
}

// Touch updates (or creates) the record for key with a fresh timestamp.
func (s *Store) Touch(key, agentID, model string, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = Record{Key: key, AgentID: agentID}
	}
	if model != "" {
		rec.Model = model
	}
	rec.UpdatedAt = now
	s.records[key] = rec
	if err := s.saveLocked(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes a record and flushes the store. Deleting a missing key is
// a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	return s.saveLocked()
}

// DeleteAll removes the given keys in one flush.
func (s *Store) DeleteAll(keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, key := range keys {
		if _, ok := s.records[key]; ok {
			delete(s.records, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}

// List returns all records, newest first.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) saveLocked() error {
	out, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	out = append(out, '\n')
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return writeFileAtomic(s.path, out, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-sessions-*")
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
