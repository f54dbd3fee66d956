// Package planner decides full vs. incremental per subvolume (spec.md
// §4.4). Grounded line-for-line on
// original_source/btrfs_to_s3/planner.py::_plan_subvolume, including its
// exact fallback ordering.
package planner

import (
  "os"
  "path/filepath"
  "time"

  "btrfs_to_s3/internal/snapshot"
  "btrfs_to_s3/internal/state"
)

type Action string

const (
  ActionFull        Action = "full"
  ActionIncremental Action = "inc"
  ActionSkip        Action = "skip"
)

type Item struct {
  Subvolume      string
  Action         Action
  ParentSnapshot string
  ParentManifest string
  Reason         string
}

// Plan decides the action for one subvolume given its persisted state, the
// wall clock, and whether --once was passed (which turns a would-be Skip
// into the appropriate Full/Incremental — SPEC_FULL §"Additional features").
func Plan(subvolumeName string, sub state.SubvolumeState, hasSub bool, fullEveryDays, incrementalEveryDays int, now time.Time, once bool) Item {
  lastFullAt, lastFullOk := parseISOTimestamp(sub.LastFullAt)
  fullDue := !hasSub || !lastFullOk || now.Sub(lastFullAt) >= time.Duration(fullEveryDays)*24*time.Hour
  if fullDue {
    return Item{ Subvolume: subvolumeName, Action: ActionFull, Reason: "full_due" }
  }

  if sub.LastManifest == "" {
    return Item{ Subvolume: subvolumeName, Action: ActionFull, Reason: "missing_parent" }
  }
  if sub.LastSnapshot == "" {
    return Item{ Subvolume: subvolumeName, Action: ActionFull, Reason: "missing_parent" }
  }
  if _, err := os.Stat(effectiveSnapshotPath(sub)); err != nil {
    return Item{ Subvolume: subvolumeName, Action: ActionFull, Reason: "missing_parent" }
  }

  lastSnapshotAt, ok := snapshotTimestamp(sub.LastSnapshot)
  if !ok {
    return Item{ Subvolume: subvolumeName, Action: ActionIncremental, ParentSnapshot: sub.LastSnapshot, ParentManifest: sub.LastManifest, Reason: "incremental_due" }
  }
  due := now.Sub(lastSnapshotAt) >= time.Duration(incrementalEveryDays)*24*time.Hour
  if !due && !once {
    return Item{ Subvolume: subvolumeName, Action: ActionSkip, ParentSnapshot: sub.LastSnapshot, ParentManifest: sub.LastManifest, Reason: "incremental_not_due" }
  }
  return Item{ Subvolume: subvolumeName, Action: ActionIncremental, ParentSnapshot: sub.LastSnapshot, ParentManifest: sub.LastManifest, Reason: "incremental_due" }
}

// PlanAll runs Plan for every configured subvolume path.
func PlanAll(subvolumePaths []string, st *state.State, fullEveryDays, incrementalEveryDays int, now time.Time, once bool) []Item {
  var items []Item
  for _, path := range subvolumePaths {
    name := filepath.Base(path)
    sub, ok := st.Get(name)
    items = append(items, Plan(name, sub, ok, fullEveryDays, incrementalEveryDays, now, once))
  }
  return items
}

func effectiveSnapshotPath(sub state.SubvolumeState) string {
  if sub.LastSnapshotPath != "" { return sub.LastSnapshotPath }
  return sub.LastSnapshot
}

func parseISOTimestamp(value string) (time.Time, bool) {
  if value == "" { return time.Time{}, false }
  t, err := time.Parse(time.RFC3339, value)
  if err != nil { return time.Time{}, false }
  return t.UTC(), true
}

func snapshotTimestamp(name string) (time.Time, bool) {
  _, ts, _, ok := snapshot.Parse(name)
  return ts, ok
}
