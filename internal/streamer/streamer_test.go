package streamer

import (
  "context"
  "io"
  "os"
  "path/filepath"
  "runtime"
  "testing"

  "github.com/stretchr/testify/require"
)

// fakeBtrfs installs a shell script named "btrfs" on PATH that emits
// deterministic bytes to stdout, standing in for the real Btrfs tooling
// (the same shim strategy the original's testing/ helpers use).
func fakeBtrfs(t *testing.T, script string) {
  t.Helper()
  if runtime.GOOS == "windows" { t.Skip("requires a POSIX shell") }
  dir := t.TempDir()
  path := filepath.Join(dir, "btrfs")
  require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
  t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestOpen_streamsStdoutAndClosesCleanly(t *testing.T) {
  fakeBtrfs(t, "printf 'hello-send-stream'\n")

  s, err := Open(context.Background(), "/snap/data__x__full", "")
  require.NoError(t, err)
  data, err := io.ReadAll(s)
  require.NoError(t, err)
  require.Equal(t, "hello-send-stream", string(data))
  require.NoError(t, s.Close())
}

func TestOpen_failedChildSurfacesStderrTail(t *testing.T) {
  fakeBtrfs(t, "echo boom 1>&2\nexit 1\n")

  s, err := Open(context.Background(), "/snap/data__x__full", "")
  require.NoError(t, err)
  _, _ = io.ReadAll(s)
  err = s.Close()
  require.Error(t, err)
  require.Contains(t, err.Error(), "boom")
}

func TestOpen_includesParentFlag(t *testing.T) {
  fakeBtrfs(t, `
if [ "$1" = "send" ] && [ "$2" = "-p" ]; then
  printf 'incremental-bytes'
else
  printf 'full-bytes'
fi
`)
  s, err := Open(context.Background(), "/snap/data__y__inc", "/snap/data__x__full")
  require.NoError(t, err)
  data, err := io.ReadAll(s)
  require.NoError(t, err)
  require.Equal(t, "incremental-bytes", string(data))
  require.NoError(t, s.Close())
}
