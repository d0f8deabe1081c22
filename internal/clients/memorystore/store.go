// Package memorystore persists per-agent decision memory between sessions.
// Entries live in one msgpack file per agent; the digest fed into a new
// session is a bounded tail of that history.
package memorystore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultDigestEntries bounds how many past entries a session digest carries.
const DefaultDigestEntries = 10

// Entry is one remembered decision summary.
type Entry struct {
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
	Mode      string    `msgpack:"mode" json:"mode"`
	Summary   string    `msgpack:"summary" json:"summary"`
}

// Store reads and appends agent memory files.
type Store struct {
	dir string
	log zerolog.Logger
}

// NewStore creates a store rooted at dir
func NewStore(dir string, log zerolog.Logger) *Store {
	return &Store{
		dir: dir,
		log: log.With().Str("module", "memorystore").Logger(),
	}
}

func (s *Store) path(agentID string) string {
	return filepath.Join(s.dir, agentID+".msgpack")
}

// Load returns the agent's full memory history, oldest first. A missing file
// is an empty history, not an error.
func (s *Store) Load(agentID string) ([]Entry, error) {
	data, err := os.ReadFile(s.path(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read memory file: %w", err)
	}

	var entries []Entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode memory file: %w", err)
	}
	return entries, nil
}

// Digest renders the most recent entries as prompt text. Load failures
// produce an empty digest and a warning; a session never fails on memory.
func (s *Store) Digest(agentID string, maxEntries int) string {
	if maxEntries <= 0 {
		maxEntries = DefaultDigestEntries
	}

	entries, err := s.Load(agentID)
	if err != nil {
		s.log.Warn().Err(err).Str("agent_id", agentID).Msg("Memory load failed, continuing without digest")
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] (%s) %s\n", e.Timestamp.UTC().Format("2006-01-02 15:04"), e.Mode, e.Summary)
	}
	return b.String()
}

// Append stores one new entry at the end of the agent's history.
func (s *Store) Append(agentID string, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	entries, err := s.Load(agentID)
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := msgpack.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode memory file: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}

	// Write-then-rename so a crash never truncates the history.
	tmp := s.path(agentID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write memory file: %w", err)
	}
	if err := os.Rename(tmp, s.path(agentID)); err != nil {
		return fmt.Errorf("failed to replace memory file: %w", err)
	}
	return nil
}
