// Package config loads and validates the TOML configuration file described
// in spec.md §6. Field names, defaults and validation rules are grounded
// on original_source/btrfs_to_s3/config.py.
package config

import (
  "os"
  "path/filepath"
  "strconv"
  "strings"

  "github.com/BurntSushi/toml"

  "btrfs_to_s3/internal/errs"
)

const GiB = 1024 * 1024 * 1024

const (
  DefaultLogLevel               = "info"
  DefaultStatePath              = "~/.local/state/btrfs_to_s3/state.json"
  DefaultLockPath                = "/var/lock/btrfs_to_s3.lock"
  DefaultSpoolDir                = "/mnt/ssd/btrfs_to_s3_spool"
  DefaultSpoolSizeBytes          = 200 * GiB
  DefaultFullEveryDays           = 180
  DefaultIncrementalEveryDays    = 7
  DefaultRunAt                   = "02:00"
  DefaultSnapshotBaseDir         = "/srv/snapshots"
  DefaultSnapshotRetain          = 2
  DefaultChunkSizeBytes          = 200 * GiB
  DefaultStorageClassChunks      = "DEEP_ARCHIVE"
  DefaultStorageClassManifest    = "STANDARD"
  DefaultS3Concurrency           = 4
  DefaultS3SSE                   = "AES256"
  DefaultRestoreTargetBaseDir    = "/srv/restore"
  DefaultRestoreVerifyMode       = "full"
  DefaultRestoreSampleMaxFiles   = 1000
  DefaultRestoreWaitForRestore   = true
  DefaultRestoreTimeoutSeconds   = 72 * 60 * 60
  DefaultRestoreTier             = "Standard"

  minSpoolSizeBytes = 5 * 1024 * 1024
)

type Global struct {
  LogLevel       string `toml:"log_level"`
  StatePath      string `toml:"state_path"`
  LockPath       string `toml:"lock_path"`
  SpoolDir       string `toml:"spool_dir"`
  SpoolSizeBytes int64  `toml:"spool_size_bytes"`
}

type Schedule struct {
  FullEveryDays        int    `toml:"full_every_days"`
  IncrementalEveryDays int    `toml:"incremental_every_days"`
  RunAt                string `toml:"run_at"`
}

type Snapshots struct {
  BaseDir string `toml:"base_dir"`
  Retain  int    `toml:"retain"`
}

type Subvolumes struct {
  Paths []string `toml:"paths"`
}

type S3 struct {
  Bucket               string `toml:"bucket"`
  Region               string `toml:"region"`
  Prefix               string `toml:"prefix"`
  ChunkSizeBytes       int64  `toml:"chunk_size_bytes"`
  StorageClassChunks   string `toml:"storage_class_chunks"`
  StorageClassManifest string `toml:"storage_class_manifest"`
  Concurrency          int    `toml:"concurrency"`
  SSE                  string `toml:"sse"`
  PartSizeBytes        int64  `toml:"part_size_bytes"`
}

type Restore struct {
  TargetBaseDir         string `toml:"target_base_dir"`
  VerifyMode            string `toml:"verify_mode"`
  SampleMaxFiles        int    `toml:"sample_max_files"`
  WaitForRestore        bool   `toml:"wait_for_restore"`
  RestoreTimeoutSeconds int    `toml:"restore_timeout_seconds"`
  RestoreTier           string `toml:"restore_tier"`
}

type Config struct {
  Global     Global     `toml:"global"`
  Schedule   Schedule   `toml:"schedule"`
  Snapshots  Snapshots  `toml:"snapshots"`
  Subvolumes Subvolumes `toml:"subvolumes"`
  S3         S3         `toml:"s3"`
  Restore    Restore    `toml:"restore"`
}

// Load reads and validates the config file at path, which must be absolute.
func Load(path string) (*Config, error) {
  if !filepath.IsAbs(path) {
    return nil, errs.NewConfigError("path", "config path must be absolute: %s", path)
  }
  if _, err := os.Stat(path); err != nil {
    return nil, errs.NewConfigError("path", "config file not found: %s", path)
  }
  cfg := withDefaults()
  if _, err := toml.DecodeFile(path, cfg); err != nil {
    return nil, errs.NewConfigError("path", "failed to parse config: %v", err)
  }
  cfg.expandPaths()
  if err := cfg.Validate(); err != nil { return nil, err }
  return cfg, nil
}

func withDefaults() *Config {
  return &Config{
    Global: Global{
      LogLevel:       DefaultLogLevel,
      StatePath:      DefaultStatePath,
      LockPath:       DefaultLockPath,
      SpoolDir:       DefaultSpoolDir,
      SpoolSizeBytes: DefaultSpoolSizeBytes,
    },
    Schedule: Schedule{
      FullEveryDays:        DefaultFullEveryDays,
      IncrementalEveryDays: DefaultIncrementalEveryDays,
      RunAt:                DefaultRunAt,
    },
    Snapshots: Snapshots{
      BaseDir: DefaultSnapshotBaseDir,
      Retain:  DefaultSnapshotRetain,
    },
    S3: S3{
      ChunkSizeBytes:       DefaultChunkSizeBytes,
      StorageClassChunks:   DefaultStorageClassChunks,
      StorageClassManifest: DefaultStorageClassManifest,
      Concurrency:          DefaultS3Concurrency,
      SSE:                  DefaultS3SSE,
    },
    Restore: Restore{
      TargetBaseDir:         DefaultRestoreTargetBaseDir,
      VerifyMode:            DefaultRestoreVerifyMode,
      SampleMaxFiles:        DefaultRestoreSampleMaxFiles,
      WaitForRestore:        DefaultRestoreWaitForRestore,
      RestoreTimeoutSeconds: DefaultRestoreTimeoutSeconds,
      RestoreTier:           DefaultRestoreTier,
    },
  }
}

func (c *Config) expandPaths() {
  c.Global.StatePath = expandPath(c.Global.StatePath)
  c.Global.LockPath = expandPath(c.Global.LockPath)
  c.Global.SpoolDir = expandPath(c.Global.SpoolDir)
  c.Snapshots.BaseDir = expandPath(c.Snapshots.BaseDir)
  c.Restore.TargetBaseDir = expandPath(c.Restore.TargetBaseDir)
  for i, p := range c.Subvolumes.Paths {
    c.Subvolumes.Paths[i] = expandPath(p)
  }
}

func expandPath(raw string) string {
  if raw == "~" || strings.HasPrefix(raw, "~/") {
    home, err := os.UserHomeDir()
    if err != nil { return raw }
    return filepath.Join(home, strings.TrimPrefix(raw, "~"))
  }
  return raw
}

// Validate enforces every rule in spec.md §6.
func (c *Config) Validate() error {
  if err := validateLogLevel(c.Global.LogLevel); err != nil { return err }
  if err := validatePath(c.Global.StatePath, "global.state_path"); err != nil { return err }
  if err := validatePath(c.Global.LockPath, "global.lock_path"); err != nil { return err }
  if c.Global.SpoolDir != "" {
    if err := validatePath(c.Global.SpoolDir, "global.spool_dir"); err != nil { return err }
  }
  if err := validatePositive(c.Global.SpoolSizeBytes, "global.spool_size_bytes"); err != nil { return err }
  if c.Global.SpoolDir != "" && c.Global.SpoolSizeBytes < minSpoolSizeBytes {
    return errs.NewConfigError("global.spool_size_bytes", "must be >= 5 MiB when spooling is enabled")
  }

  if err := validatePositive(int64(c.Schedule.FullEveryDays), "schedule.full_every_days"); err != nil { return err }
  if err := validatePositive(int64(c.Schedule.IncrementalEveryDays), "schedule.incremental_every_days"); err != nil { return err }
  if err := validateRunAt(c.Schedule.RunAt); err != nil { return err }

  if err := validatePath(c.Snapshots.BaseDir, "snapshots.base_dir"); err != nil { return err }
  if c.Snapshots.Retain < 1 {
    return errs.NewConfigError("snapshots.retain", "must be >= 1")
  }

  if len(c.Subvolumes.Paths) == 0 {
    return errs.NewConfigError("subvolumes.paths", "must include at least one path")
  }
  for _, p := range c.Subvolumes.Paths {
    if err := validatePath(p, "subvolumes.paths"); err != nil { return err }
  }

  if c.S3.Bucket == "" { return errs.NewConfigError("s3.bucket", "is required") }
  if c.S3.Region == "" { return errs.NewConfigError("s3.region", "is required") }
  if c.S3.Prefix == "" { return errs.NewConfigError("s3.prefix", "is required") }
  if err := validatePositive(c.S3.ChunkSizeBytes, "s3.chunk_size_bytes"); err != nil { return err }
  if c.S3.Concurrency < 1 { return errs.NewConfigError("s3.concurrency", "must be >= 1") }
  if c.S3.StorageClassChunks == "" { return errs.NewConfigError("s3.storage_class_chunks", "is required") }
  if c.S3.StorageClassManifest == "" { return errs.NewConfigError("s3.storage_class_manifest", "is required") }
  if c.S3.SSE == "" { return errs.NewConfigError("s3.sse", "is required") }

  if err := validatePath(c.Restore.TargetBaseDir, "restore.target_base_dir"); err != nil { return err }
  switch c.Restore.VerifyMode {
  case "full", "sample", "none":
  default:
    return errs.NewConfigError("restore.verify_mode", "must be full, sample, or none")
  }
  if err := validatePositive(int64(c.Restore.SampleMaxFiles), "restore.sample_max_files"); err != nil { return err }
  if err := validatePositive(int64(c.Restore.RestoreTimeoutSeconds), "restore.restore_timeout_seconds"); err != nil { return err }
  if c.Restore.RestoreTier == "" { return errs.NewConfigError("restore.restore_tier", "is required") }
  return nil
}

func validatePath(path, field string) error {
  if !filepath.IsAbs(path) {
    return errs.NewConfigError(field, "must be an absolute path: %s", path)
  }
  return nil
}

func validatePositive(value int64, field string) error {
  if value <= 0 { return errs.NewConfigError(field, "must be > 0") }
  return nil
}

var validLogLevels = map[string]bool{
  "debug": true, "info": true, "warning": true, "error": true, "critical": true,
}

func validateLogLevel(value string) error {
  if !validLogLevels[strings.ToLower(value)] {
    return errs.NewConfigError("global.log_level", "must be one of debug, info, warning, error, critical; got %s", value)
  }
  return nil
}

func validateRunAt(value string) error {
  parts := strings.Split(value, ":")
  if len(parts) != 2 {
    return errs.NewConfigError("schedule.run_at", "must be HH:MM")
  }
  hour, err := strconv.Atoi(parts[0])
  if err != nil { return errs.NewConfigError("schedule.run_at", "must be HH:MM") }
  minute, err := strconv.Atoi(parts[1])
  if err != nil { return errs.NewConfigError("schedule.run_at", "must be HH:MM") }
  if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
    return errs.NewConfigError("schedule.run_at", "must be HH:MM")
  }
  return nil
}

// EffectivePartSizeBytes returns the configured multipart part size,
// defaulting to 128 MiB when unset (spec §4.7).
func (s *S3) EffectivePartSizeBytes() int64 {
  if s.PartSizeBytes > 0 { return s.PartSizeBytes }
  return 128 * 1024 * 1024
}
