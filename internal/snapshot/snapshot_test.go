package snapshot

import (
  "context"
  "os"
  "path/filepath"
  "testing"
  "time"

  "github.com/stretchr/testify/require"
)

// fakeRunner records invocations and creates the target directory for
// "snapshot" commands so the manager's on-disk expectations hold without a
// real Btrfs filesystem.
type fakeRunner struct {
  calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, args []string) error {
  f.calls = append(f.calls, args)
  if len(args) >= 3 && args[1] == "subvolume" && args[2] == "snapshot" {
    return os.MkdirAll(args[len(args)-1], 0o755)
  }
  if len(args) >= 3 && args[1] == "subvolume" && args[2] == "delete" {
    return os.RemoveAll(args[len(args)-1])
  }
  return nil
}

func TestNameParse_roundTrip(t *testing.T) {
  ts := time.Date(2026, 8, 6, 2, 0, 0, 0, time.UTC)
  name := Name("data", ts, "full")
  require.Equal(t, "data__20260806T020000Z__full", name)

  subvol, parsedTs, kind, ok := Parse(name)
  require.True(t, ok)
  require.Equal(t, "data", subvol)
  require.Equal(t, "full", kind)
  require.True(t, parsedTs.Equal(ts))
}

func TestParse_rejectsMalformedNames(t *testing.T) {
  _, _, _, ok := Parse("not-a-snapshot")
  require.False(t, ok)
  _, _, _, ok = Parse("data__20260806T020000Z__bogus")
  require.False(t, ok)
}

func TestCreate_writesDeterministicPath(t *testing.T) {
  base := t.TempDir()
  runner := &fakeRunner{}
  mgr := NewManager(filepath.Join(base, "snaps"), runner)
  fixed := time.Date(2026, 8, 6, 2, 0, 0, 0, time.UTC)
  mgr.Now = func() time.Time { return fixed }

  rec, err := mgr.Create(context.Background(), "/srv/data", "data", "full")
  require.NoError(t, err)
  require.Equal(t, "data__20260806T020000Z__full", rec.Name)
  require.DirExists(t, rec.Path)
  require.Len(t, runner.calls, 1)
}

func TestListAndPrune_keepsNewestAndRequiredParent(t *testing.T) {
  base := t.TempDir()
  runner := &fakeRunner{}
  mgr := NewManager(base, runner)

  times := []time.Time{
    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
  }
  var names []string
  for _, ts := range times {
    name := Name("data", ts, "full")
    names = append(names, name)
    require.NoError(t, os.MkdirAll(filepath.Join(base, name), 0o755))
  }

  records, err := mgr.List("data")
  require.NoError(t, err)
  require.Len(t, records, 3)
  require.Equal(t, names[2], records[0].Name) // newest first

  // keep=1, but force-preserve the oldest as the required incremental parent.
  deleted, err := mgr.Prune(context.Background(), "data", 1, names[0])
  require.NoError(t, err)
  require.ElementsMatch(t, []string{filepath.Join(base, names[1])}, deleted)

  remaining, err := mgr.List("data")
  require.NoError(t, err)
  require.Len(t, remaining, 2)
}

func TestEnsureSbinOnPath_appendsMissingDirsOnce(t *testing.T) {
  require.Equal(t, "/usr/local/bin"+string(os.PathListSeparator)+"/usr/sbin"+string(os.PathListSeparator)+"/sbin", ensureSbinOnPath("/usr/local/bin"))
  require.Equal(t, "/sbin"+string(os.PathListSeparator)+"/usr/sbin", ensureSbinOnPath("/sbin"+string(os.PathListSeparator)+"/usr/sbin"))
}
