// Package state persists the single JSON document tracking per-subvolume
// backup progress (spec.md §3, §4.2). Grounded on
// original_source/btrfs_to_s3/state.py: read-modify-write with an atomic
// write-temp-then-rename, no internal locking (single-writer by virtue of
// the process lock).
package state

import (
  "encoding/json"
  "fmt"
  "os"
  "path/filepath"
)

type SubvolumeState struct {
  LastSnapshot     string `json:"last_snapshot,omitempty"`
  LastSnapshotPath string `json:"last_snapshot_path,omitempty"`
  LastManifest     string `json:"last_manifest,omitempty"`
  LastFullAt       string `json:"last_full_at,omitempty"`
}

type State struct {
  LastRunAt  string                    `json:"last_run_at,omitempty"`
  Subvolumes map[string]SubvolumeState `json:"subvolumes"`
}

func New() *State {
  return &State{ Subvolumes: make(map[string]SubvolumeState) }
}

// Load reads the state file at path, returning an empty State if it does
// not exist yet (first run).
func Load(path string) (*State, error) {
  data, err := os.ReadFile(path)
  if os.IsNotExist(err) { return New(), nil }
  if err != nil { return nil, fmt.Errorf("read state: %w", err) }
  st := New()
  if err := json.Unmarshal(data, st); err != nil {
    return nil, fmt.Errorf("parse state %s: %w", path, err)
  }
  if st.Subvolumes == nil { st.Subvolumes = make(map[string]SubvolumeState) }
  return st, nil
}

// Save writes the state file atomically: encode to a temp file in the same
// directory, then rename over the target.
func Save(path string, st *State) error {
  dir := filepath.Dir(path)
  if err := os.MkdirAll(dir, 0o755); err != nil {
    return fmt.Errorf("create state dir %s: %w", dir, err)
  }
  data, err := json.MarshalIndent(st, "", "  ")
  if err != nil { return fmt.Errorf("marshal state: %w", err) }

  tmp, err := os.CreateTemp(dir, ".state-*.tmp")
  if err != nil { return fmt.Errorf("create temp state file: %w", err) }
  tmpPath := tmp.Name()
  defer os.Remove(tmpPath)

  if _, err := tmp.Write(data); err != nil {
    tmp.Close()
    return fmt.Errorf("write temp state file: %w", err)
  }
  if err := tmp.Close(); err != nil { return fmt.Errorf("close temp state file: %w", err) }
  if err := os.Rename(tmpPath, path); err != nil {
    return fmt.Errorf("rename state file into place: %w", err)
  }
  return nil
}

func (s *State) Get(subvolume string) (SubvolumeState, bool) {
  sub, ok := s.Subvolumes[subvolume]
  return sub, ok
}

func (s *State) Set(subvolume string, sub SubvolumeState) {
  if s.Subvolumes == nil { s.Subvolumes = make(map[string]SubvolumeState) }
  s.Subvolumes[subvolume] = sub
}
