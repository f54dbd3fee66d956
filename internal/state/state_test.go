package state

import (
  "os"
  "path/filepath"
  "testing"

  "github.com/stretchr/testify/require"
)

func TestLoad_missingFileReturnsEmptyState(t *testing.T) {
  st, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
  require.NoError(t, err)
  require.Empty(t, st.Subvolumes)
}

func TestSaveThenLoad_roundTrips(t *testing.T) {
  path := filepath.Join(t.TempDir(), "nested", "state.json")
  st := New()
  st.LastRunAt = "2026-08-06T02:00:00Z"
  st.Set("data", SubvolumeState{
    LastSnapshot:     "data__20260806T020000Z__full",
    LastSnapshotPath: "/srv/snapshots/data__20260806T020000Z__full",
    LastManifest:     "hosts/box1/subvol/data/full/20260806T020000Z/manifest.json",
    LastFullAt:       "2026-08-06T02:00:00Z",
  })
  require.NoError(t, Save(path, st))

  loaded, err := Load(path)
  require.NoError(t, err)
  require.Equal(t, st.LastRunAt, loaded.LastRunAt)
  sub, ok := loaded.Get("data")
  require.True(t, ok)
  require.Equal(t, "data__20260806T020000Z__full", sub.LastSnapshot)
}

func TestSave_isAtomic_noTempFileLeftBehind(t *testing.T) {
  dir := t.TempDir()
  path := filepath.Join(dir, "state.json")
  require.NoError(t, Save(path, New()))

  entries, err := os.ReadDir(dir)
  require.NoError(t, err)
  require.Len(t, entries, 1)
  require.Equal(t, "state.json", entries[0].Name())
}
