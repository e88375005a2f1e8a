package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// OrphanReport describes transcripts with no owning session record.
type OrphanReport struct {
	Scanned  int      `json:"scanned"`
	Orphans  []string `json:"orphans,omitempty"`
	Archived []string `json:"archived,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
}

// ArchiveOrphanTranscripts scans the transcript directory for files no
// session record references. Orphans are renamed with a `.deleted.<unix-ts>`
// suffix rather than removed, so a mistaken archive is recoverable.
//
// If any store fails to open the scan is skipped entirely: an unreadable
// store may still reference transcripts, and archiving on partial knowledge
// would orphan live conversations.
func ArchiveOrphanTranscripts(homeDir string, now int64, archive bool) (*OrphanReport, error) {
	report := &OrphanReport{}

	stores, err := listStores(homeDir)
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]struct{})
	for _, sc := range stores {
		store, err := Open(sc.path, sc.agentID)
		if err != nil {
			report.Skipped = true
			return report, fmt.Errorf("store unreadable, orphan scan skipped: %w", err)
		}
		for _, rec := range store.List() {
			if rec.TranscriptPath != "" {
				referenced[filepath.Clean(rec.TranscriptPath)] = struct{}{}
				referenced[filepath.Base(rec.TranscriptPath)] = struct{}{}
			}
		}
	}

	dir := TranscriptDir(homeDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("read transcript dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || strings.Contains(e.Name(), ".deleted.") {
			continue
		}
		report.Scanned++
		full := filepath.Join(dir, e.Name())
		if _, ok := referenced[filepath.Clean(full)]; ok {
			continue
		}
		if _, ok := referenced[e.Name()]; ok {
			continue
		}
		report.Orphans = append(report.Orphans, full)
		if !archive {
			continue
		}
		archived := fmt.Sprintf("%s.deleted.%d", full, now)
		if err := os.Rename(full, archived); err != nil {
			return report, fmt.Errorf("archive transcript %s: %w", full, err)
		}
		report.Archived = append(report.Archived, archived)
	}
	sort.Strings(report.Orphans)
	sort.Strings(report.Archived)
	return report, nil
}
