// Package checkpoint persists the upper bound of the last successfully
// applied pull window, so a restarted agent resumes where it left off
// instead of re-pulling the whole remote collection.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// farPast makes the first ever cycle pull everything.
var farPast = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type state struct {
	LastSync string `json:"last_sync"`
}

// Store reads and writes the checkpoint file. The file holds a single JSON
// object {"last_sync": "<RFC3339>"}.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted checkpoint, or the far-past default when the
// file is absent or unreadable. A corrupt state file must not stop the
// agent; it only costs one full re-pull.
func (s *Store) Load() time.Time {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return farPast
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return farPast
	}
	ts, err := time.Parse(time.RFC3339, st.LastSync)
	if err != nil {
		return farPast
	}
	return ts
}

// Save persists a new checkpoint. Called only after a pull pass completed.
func (s *Store) Save(ts time.Time) error {
	data, err := json.Marshal(state{LastSync: ts.UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}
