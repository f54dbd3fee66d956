// Package lockfile implements the process-wide mutual-exclusion lock with
// stale-owner recovery described in spec.md §4.1. Grounded on
// original_source/btrfs_to_s3/lock.py: exclusive-create, on EEXIST probe
// the recorded owner's liveness with a sentinel signal, remove-and-retry
// once if stale, otherwise fail fast.
package lockfile

import (
  "os"
  "strconv"
  "strings"

  "golang.org/x/sys/unix"

  "btrfs_to_s3/internal/errs"
)

type Lock struct {
  path   string
  active bool
}

func New(path string) *Lock {
  return &Lock{ path: path }
}

// Acquire attempts to create the lock file exclusively. If it already
// exists, the recorded pid is probed for liveness; a dead owner's file is
// removed and acquisition retried once. Never blocks.
func (self *Lock) Acquire() error {
  if err := os.MkdirAll(parentDir(self.path), 0o755); err != nil { return err }
  pid := os.Getpid()
  for attempt := 0; attempt < 2; attempt++ {
    fd, err := os.OpenFile(self.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
    if err == nil {
      _, werr := fd.WriteString(strconv.Itoa(pid))
      cerr := fd.Close()
      if werr != nil { return werr }
      if cerr != nil { return cerr }
      self.active = true
      return nil
    }
    if !os.IsExist(err) { return err }

    existingPid := readPid(self.path)
    if pidIsRunning(existingPid) {
      return &errs.LockHeldError{ Path: self.path, Owner: existingPid }
    }
    // Stale: race-safe removal, then retry the create.
    if rmErr := os.Remove(self.path); rmErr != nil && !os.IsNotExist(rmErr) {
      return &errs.LockHeldError{ Path: self.path, Owner: existingPid }
    }
  }
  existingPid := readPid(self.path)
  return &errs.LockHeldError{ Path: self.path, Owner: existingPid }
}

// Release removes the lock file if this instance holds it. Safe to call
// more than once and on every exit path (normal, error, signal).
func (self *Lock) Release() error {
  if !self.active { return nil }
  self.active = false
  err := os.Remove(self.path)
  if err != nil && os.IsNotExist(err) { return nil }
  return err
}

func parentDir(path string) string {
  idx := strings.LastIndexByte(path, '/')
  if idx <= 0 { return "." }
  return path[:idx]
}

func readPid(path string) int {
  data, err := os.ReadFile(path)
  if err != nil { return -1 }
  pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
  if err != nil { return -1 }
  return pid
}

// pidIsRunning probes liveness with a sentinel signal (signal 0), the same
// mechanism the original's os.kill(pid, 0) uses: EPERM means the process
// exists but is owned by someone else, ESRCH means it does not.
func pidIsRunning(pid int) bool {
  if pid <= 0 { return false }
  err := unix.Kill(pid, 0)
  if err == nil { return true }
  if err == unix.EPERM { return true }
  return false
}
