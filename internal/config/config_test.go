package config

import (
  "os"
  "path/filepath"
  "testing"

  "github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
  t.Helper()
  dir := t.TempDir()
  path := filepath.Join(dir, "config.toml")
  require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
  return path
}

const minimalValid = `
[subvolumes]
paths = ["/srv/data"]

[s3]
bucket = "my-bucket"
region = "us-east-1"
prefix = "hosts/box1/"
`

func TestLoad_appliesDefaultsAndValidates(t *testing.T) {
  path := writeConfig(t, minimalValid)
  cfg, err := Load(path)
  require.NoError(t, err)
  require.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
  require.Equal(t, int64(DefaultChunkSizeBytes), cfg.S3.ChunkSizeBytes)
  require.Equal(t, "DEEP_ARCHIVE", cfg.S3.StorageClassChunks)
  require.Equal(t, []string{"/srv/data"}, cfg.Subvolumes.Paths)
}

func TestLoad_rejectsRelativePath(t *testing.T) {
  _, err := Load("relative/config.toml")
  require.Error(t, err)
}

func TestLoad_rejectsMissingBucket(t *testing.T) {
  path := writeConfig(t, `
[subvolumes]
paths = ["/srv/data"]

[s3]
region = "us-east-1"
prefix = "x/"
`)
  _, err := Load(path)
  require.Error(t, err)
  require.Contains(t, err.Error(), "s3.bucket")
}

func TestLoad_rejectsRelativeSubvolumePath(t *testing.T) {
  path := writeConfig(t, `
[subvolumes]
paths = ["data"]

[s3]
bucket = "b"
region = "us-east-1"
prefix = "x/"
`)
  _, err := Load(path)
  require.Error(t, err)
  require.Contains(t, err.Error(), "subvolumes.paths")
}

func TestLoad_rejectsBadRunAt(t *testing.T) {
  path := writeConfig(t, minimalValid+"\n[schedule]\nrun_at = \"25:99\"\n")
  _, err := Load(path)
  require.Error(t, err)
  require.Contains(t, err.Error(), "run_at")
}

func TestLoad_rejectsSmallSpoolSizeWhenSpoolingEnabled(t *testing.T) {
  path := writeConfig(t, minimalValid+"\n[global]\nspool_dir = \"/mnt/spool\"\nspool_size_bytes = 1024\n")
  _, err := Load(path)
  require.Error(t, err)
  require.Contains(t, err.Error(), "spool_size_bytes")
}

func TestLoad_rejectsBadVerifyMode(t *testing.T) {
  path := writeConfig(t, minimalValid+"\n[restore]\nverify_mode = \"partial\"\n")
  _, err := Load(path)
  require.Error(t, err)
  require.Contains(t, err.Error(), "verify_mode")
}

func TestEffectivePartSizeBytes_defaultsTo128MiB(t *testing.T) {
  s := &S3{}
  require.EqualValues(t, 128*1024*1024, s.EffectivePartSizeBytes())
  s.PartSizeBytes = 64 * 1024 * 1024
  require.EqualValues(t, 64*1024*1024, s.EffectivePartSizeBytes())
}
