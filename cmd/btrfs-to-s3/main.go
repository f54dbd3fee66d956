// Command btrfs-to-s3 is the CLI entrypoint: `backup`, `restore`, and
// `status` subcommands over a shared `--config` flag (spec.md §6,
// SPEC_FULL §4.13). Grounded on the pack's dnr-styx/cmd/charon/main.go
// composition style (the cmd()/chainRunE() helpers in cobrautil.go).
package main

import (
  "context"
  "errors"
  "fmt"
  "os"

  "github.com/spf13/cobra"

  "btrfs_to_s3/internal/awsclient"
  "btrfs_to_s3/internal/config"
  "btrfs_to_s3/internal/logging"
  "btrfs_to_s3/internal/orchestrator"
)

// exitError carries the process exit code spec.md §6 assigns to a failure,
// since cobra's own error path always exits 1.
type exitError struct {
  code int
  err  error
}

func (e *exitError) Error() string {
  if e.err == nil { return "" }
  return e.err.Error()
}

func newExitError(code int, err error) error {
  if code == 0 { return nil }
  return &exitError{ code: code, err: err }
}

func withConfigFlag(c *cobra.Command) {
  c.PersistentFlags().String("config", "", "path to the TOML config file (required, absolute)")
}

func loadConfig(c *cobra.Command) (*config.Config, error) {
  path, err := c.Flags().GetString("config")
  if err != nil { return nil, err }
  if path == "" { return nil, errors.New("--config is required") }
  return config.Load(path)
}

func withBackupFlags(c *cobra.Command) runE {
  var (
    logLevel   string
    dryRun     bool
    subvolumes []string
    once       bool
    noS3       bool
  )
  c.Flags().StringVar(&logLevel, "log-level", "", "override global.log_level {debug|info|warning|error|critical}")
  c.Flags().BoolVar(&dryRun, "dry-run", false, "plan only, no snapshotting, chunking, or uploads")
  c.Flags().StringArrayVar(&subvolumes, "subvolume", nil, "restrict the run to this subvolume (repeatable)")
  c.Flags().BoolVar(&once, "once", false, "ignore the schedule; run every selected subvolume now")
  c.Flags().BoolVar(&noS3, "no-s3", false, "stop after planning: no snapshot, stream, chunking, upload, pointer or state update")

  return func(c *cobra.Command, args []string) error {
    cfg, err := loadConfig(c)
    if err != nil { return newExitError(2, err) }
    if logLevel != "" { cfg.Global.LogLevel = logLevel }

    log, err := logging.New(cfg.Global.LogLevel)
    if err != nil { return newExitError(2, err) }

    ctx := context.Background()
    var client orchestrator.FullAPI
    if !noS3 && !dryRun {
      awsCfg, err := awsclient.Load(ctx, cfg.S3.Region)
      if err != nil { return newExitError(1, err) }
      client = awsclient.NewS3Client(awsCfg)
    }

    o := orchestrator.NewBackupOrchestrator(cfg, log, client)
    rc := o.Run(ctx, orchestrator.BackupRequest{ DryRun: dryRun, Subvolumes: subvolumes, Once: once, NoS3: noS3 })
    return newExitError(rc, nil)
  }
}

func withRestoreFlags(c *cobra.Command) runE {
  var (
    subvolume   string
    target      string
    manifestKey string
    verify      string
  )
  c.Flags().StringVar(&subvolume, "subvolume", "", "subvolume to restore (required)")
  c.Flags().StringVar(&target, "target", "", "restore destination path (required)")
  c.Flags().StringVar(&manifestKey, "manifest-key", "", "explicit manifest object key, overrides the pointer lookup")
  c.Flags().StringVar(&verify, "verify", "", "override restore.verify_mode {none|sample|full}")

  return func(c *cobra.Command, args []string) error {
    if subvolume == "" || target == "" {
      return newExitError(2, errors.New("--subvolume and --target are required"))
    }
    cfg, err := loadConfig(c)
    if err != nil { return newExitError(2, err) }

    log, err := logging.New(cfg.Global.LogLevel)
    if err != nil { return newExitError(2, err) }

    ctx := context.Background()
    awsCfg, err := awsclient.Load(ctx, cfg.S3.Region)
    if err != nil { return newExitError(1, err) }
    client := awsclient.NewS3Client(awsCfg)

    o := orchestrator.NewRestoreOrchestrator(cfg, log, client)
    rc := o.Run(ctx, orchestrator.RestoreRequest{
      Subvolume: subvolume, Target: target, ManifestKey: manifestKey, Verify: verify,
    })
    return newExitError(rc, nil)
  }
}

func main() {
  root := cmd(
    &cobra.Command{
      Use:           "btrfs-to-s3",
      Short:         "snapshot, chunk, and upload Btrfs subvolumes to S3, or restore them",
      SilenceUsage:  true,
      SilenceErrors: true,
    },
    withConfigFlag,
    cmd(
      &cobra.Command{ Use: "backup", Short: "run one backup pass over the configured subvolumes" },
      withBackupFlags,
    ),
    cmd(
      &cobra.Command{ Use: "restore", Short: "restore a subvolume from its manifest chain" },
      withRestoreFlags,
    ),
    cmd(
      &cobra.Command{ Use: "status", Short: "print each subvolume's last snapshot/manifest/full-backup time" },
      withStatusFlags,
    ),
  )

  if err := root.Execute(); err != nil {
    var ee *exitError
    if errors.As(err, &ee) {
      if ee.err != nil { fmt.Fprintln(os.Stderr, ee.err) }
      os.Exit(ee.code)
    }
    fmt.Fprintln(os.Stderr, err)
    os.Exit(1)
  }
}
