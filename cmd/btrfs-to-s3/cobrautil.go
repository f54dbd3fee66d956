package main

import (
  "log"

  "github.com/spf13/cobra"
)

type runE = func(*cobra.Command, []string) error

// chainRunE composes multiple RunE functions into one, run in order,
// stopping at the first error. Grounded on the teacher pack's own
// cobra composition helper in dnr-styx/cmd/styx/cobrautil.go.
func chainRunE(fs ...runE) runE {
  var filtered []runE
  for _, f := range fs {
    if f != nil { filtered = append(filtered, f) }
  }
  if len(filtered) == 1 { return filtered[0] }
  return func(c *cobra.Command, args []string) error {
    for _, f := range filtered {
      if err := f(c, args); err != nil { return err }
    }
    return nil
  }
}

// cmd assembles a *cobra.Command from a mix of child commands, flag
// registration closures, and RunE steps, so each subcommand's setup reads
// top-to-bottom instead of scattered across AddCommand/RunE assignments.
func cmd(c *cobra.Command, stuff ...any) *cobra.Command {
  for _, thing := range stuff {
    switch t := thing.(type) {
    case func(*cobra.Command):
      t(c)
    case *cobra.Command:
      c.AddCommand(t)
    case runE:
      c.RunE = chainRunE(c.RunE, t)
    case func(*cobra.Command) runE:
      c.RunE = chainRunE(c.RunE, t(c))
    default:
      log.Panicf("bad cmd structure: %T %v", t, t)
    }
  }
  return c
}
