package main

import (
  "context"
  "fmt"
  "os"
  "path/filepath"
  "text/tabwriter"

  "github.com/spf13/cobra"

  "btrfs_to_s3/internal/awsclient"
  "btrfs_to_s3/internal/state"
)

// withStatusFlags implements the read-only status dispatch carried over
// from the original's cli.py three-way subcommand table (SPEC_FULL §4.13):
// it loads state and prints each subvolume's last snapshot/manifest/full
// time, plus a live credentials check whenever the default AWS config chain
// loads.
func withStatusFlags(c *cobra.Command) runE {
  return func(c *cobra.Command, args []string) error {
    cfg, err := loadConfig(c)
    if err != nil { return newExitError(2, err) }

    st, err := state.Load(cfg.Global.StatePath)
    if err != nil { return newExitError(1, err) }

    ctx := context.Background()
    if awsCfg, err := awsclient.Load(ctx, cfg.S3.Region); err == nil {
      if account, err := awsclient.CallerIdentity(ctx, awsCfg); err == nil {
        fmt.Fprintf(os.Stdout, "credentials: live (account %s)\n", account)
      } else {
        fmt.Fprintf(os.Stdout, "credentials: not live (%v)\n", err)
      }
    }

    w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
    fmt.Fprintln(w, "SUBVOLUME\tLAST SNAPSHOT\tLAST MANIFEST\tLAST FULL AT")
    for _, path := range cfg.Subvolumes.Paths {
      name := filepath.Base(path)
      sub, ok := st.Get(name)
      if !ok {
        fmt.Fprintf(w, "%s\t-\t-\t-\n", name)
        continue
      }
      fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, orDash(sub.LastSnapshot), orDash(sub.LastManifest), orDash(sub.LastFullAt))
    }
    w.Flush()
    if st.LastRunAt != "" {
      fmt.Fprintf(os.Stdout, "last run: %s\n", st.LastRunAt)
    }
    return nil
  }
}

func orDash(s string) string {
  if s == "" { return "-" }
  return s
}
