// Package snapshot manages Btrfs read-only snapshots: deterministic
// naming, creation, listing, and retention (spec.md §4.3). Grounded on
// original_source/btrfs_to_s3/snapshots.py for exact naming/parsing/
// retention semantics, and on the teacher's util/util.go
// (StartCmdWithPipedOutput) and orchestrator.py's _ShellRunner /
// path_utils.ensure_sbin_on_path for subprocess invocation style.
package snapshot

import (
  "bytes"
  "context"
  "fmt"
  "os"
  "os/exec"
  "path/filepath"
  "regexp"
  "sort"
  "strings"
  "time"

  "btrfs_to_s3/internal/errs"
)

const nameFormat = "20060102T150405Z"

var nameRx = regexp.MustCompile(`^(?P<subvol>.+)__(?P<ts>\d{8}T\d{6}Z)__(?P<kind>full|inc)$`)

type Record struct {
  Name      string
  Path      string
  Kind      string
  CreatedAt time.Time
}

// Runner executes a Btrfs tooling command, injected for testability
// (mirrors the original's CommandRunner interface).
type Runner interface {
  Run(ctx context.Context, args []string) error
}

// ShellRunner shells out to the real `btrfs` binary via os/exec, augmenting
// PATH with /usr/sbin and /sbin the way orchestrator.py's _ShellRunner does;
// the augmented PATH is used both to locate the binary and as the child's
// environment.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, args []string) error {
  path := ensureSbinOnPath(os.Getenv("PATH"))
  bin := args[0]
  if !strings.ContainsRune(bin, os.PathSeparator) {
    for _, dir := range filepath.SplitList(path) {
      candidate := filepath.Join(dir, bin)
      if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
        bin = candidate
        break
      }
    }
  }
  cmd := exec.CommandContext(ctx, bin, args[1:]...)
  cmd.Env = append(os.Environ(), "PATH="+path)
  var stderr bytes.Buffer
  cmd.Stderr = &stderr
  if err := cmd.Run(); err != nil {
    return &errs.SnapshotError{ Op: args[0] + " " + strings.Join(args[1:], " "), Path: "", Err: fmt.Errorf("%v: %s", err, stderr.String()) }
  }
  return nil
}

func ensureSbinOnPath(path string) string {
  seen := make(map[string]bool)
  var parts []string
  for _, entry := range strings.Split(path, string(os.PathListSeparator)) {
    if entry == "" { continue }
    parts = append(parts, entry)
    seen[entry] = true
  }
  for _, entry := range []string{"/usr/sbin", "/sbin"} {
    if !seen[entry] { parts = append(parts, entry) }
  }
  return strings.Join(parts, string(os.PathListSeparator))
}

type Manager struct {
  BaseDir string
  Runner  Runner
  Now     func() time.Time
}

func NewManager(baseDir string, runner Runner) *Manager {
  return &Manager{ BaseDir: baseDir, Runner: runner, Now: func() time.Time { return time.Now().UTC() } }
}

// Create makes a new read-only snapshot of subvolumePath under BaseDir.
func (self *Manager) Create(ctx context.Context, subvolumePath, subvolumeName, kind string) (Record, error) {
  created := self.Now()
  name := Name(subvolumeName, created, kind)
  path := filepath.Join(self.BaseDir, name)

  if err := os.MkdirAll(self.BaseDir, 0o755); err != nil {
    return Record{}, &errs.SnapshotError{ Op: "mkdir", Path: self.BaseDir, Err: err }
  }
  if _, err := os.Stat(path); err == nil {
    return Record{}, &errs.SnapshotError{ Op: "create", Path: path, Err: fmt.Errorf("snapshot name collision within the same second") }
  }
  args := []string{"btrfs", "subvolume", "snapshot", "-r", subvolumePath, path}
  if err := self.Runner.Run(ctx, args); err != nil {
    return Record{}, &errs.SnapshotError{ Op: "create", Path: path, Err: err }
  }
  return Record{ Name: name, Path: path, Kind: kind, CreatedAt: created }, nil
}

// List enumerates existing snapshots for subvolumeName, newest first.
func (self *Manager) List(subvolumeName string) ([]Record, error) {
  entries, err := os.ReadDir(self.BaseDir)
  if os.IsNotExist(err) { return nil, nil }
  if err != nil { return nil, &errs.SnapshotError{ Op: "list", Path: self.BaseDir, Err: err } }

  var records []Record
  for _, entry := range entries {
    subvol, ts, kind, ok := Parse(entry.Name())
    if !ok || subvol != subvolumeName { continue }
    records = append(records, Record{
      Name: entry.Name(), Path: filepath.Join(self.BaseDir, entry.Name()), Kind: kind, CreatedAt: ts,
    })
  }
  sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
  return records, nil
}

// Prune deletes snapshots in age order, newest first, stopping once
// `keep` remain; requiredParent (if set) is always preserved.
func (self *Manager) Prune(ctx context.Context, subvolumeName string, keep int, requiredParent string) ([]string, error) {
  records, err := self.List(subvolumeName)
  if err != nil { return nil, err }

  toKeep := make(map[string]bool)
  for i, rec := range records {
    if i < keep { toKeep[rec.Name] = true }
  }
  if requiredParent != "" { toKeep[requiredParent] = true }

  var deleted []string
  for _, rec := range records {
    if toKeep[rec.Name] { continue }
    if err := self.Runner.Run(ctx, []string{"btrfs", "subvolume", "delete", rec.Path}); err != nil {
      return deleted, &errs.SnapshotError{ Op: "prune", Path: rec.Path, Err: err }
    }
    deleted = append(deleted, rec.Path)
  }
  return deleted, nil
}

// Name builds the deterministic `<subvol>__<timestamp>__<kind>` name.
func Name(subvolumeName string, createdAt time.Time, kind string) string {
  return fmt.Sprintf("%s__%s__%s", subvolumeName, createdAt.UTC().Format(nameFormat), kind)
}

// Parse extracts (subvolume, createdAt, kind) from a snapshot directory name.
func Parse(name string) (subvol string, createdAt time.Time, kind string, ok bool) {
  match := nameRx.FindStringSubmatch(name)
  if match == nil { return "", time.Time{}, "", false }
  ts, err := time.Parse(nameFormat, match[2])
  if err != nil { return "", time.Time{}, "", false }
  return match[1], ts.UTC(), match[3], true
}
