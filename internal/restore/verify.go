package restore

import (
  "context"
  "crypto/sha256"
  "encoding/hex"
  "fmt"
  "io"
  "os"
  "os/exec"
  "path/filepath"
  "regexp"
  "sort"
  "strings"

  "github.com/google/uuid"

  "btrfs_to_s3/internal/errs"
)

type VerifyMode string

const (
  VerifyNone   VerifyMode = "none"
  VerifySample VerifyMode = "sample"
  VerifyFull   VerifyMode = "full"
)

// VerifyResult summarizes one verification pass (spec §4.10).
type VerifyResult struct {
  Mode              VerifyMode
  MetadataOK        bool
  UUID              string
  ContentSkipped    bool
  ContentSkipReason string
  FilesChecked      int
  MismatchPath      string
}

func (r VerifyResult) Failed() bool { return r.MismatchPath != "" || !r.MetadataOK }

// ShowRunner captures `btrfs subvolume show` output, unlike snapshot.Runner
// which only reports success/failure — verification needs the UUID and
// read-only flag it prints.
type ShowRunner interface {
  Show(ctx context.Context, path string) (string, error)
}

type ShellShowRunner struct{}

func (ShellShowRunner) Show(ctx context.Context, path string) (string, error) {
  out, err := exec.CommandContext(ctx, "btrfs", "subvolume", "show", path).Output()
  return string(out), err
}

var uuidRx = regexp.MustCompile(`(?m)^\s*UUID:\s*(\S+)`)
var readOnlyRx = regexp.MustCompile(`(?m)^\s*Flags:\s*(.*)$`)

// Verifier checks a restored tree against a reference snapshot path
// (spec §4.10). If the reference is unavailable, only Btrfs metadata is
// checked and content verification is reported as skipped.
type Verifier struct {
  Runner         ShowRunner
  SampleMaxFiles int
}

func NewVerifier(runner ShowRunner, sampleMaxFiles int) *Verifier {
  return &Verifier{ Runner: runner, SampleMaxFiles: sampleMaxFiles }
}

func (v *Verifier) Verify(ctx context.Context, mode VerifyMode, targetPath, referenceSnapshotPath string) (VerifyResult, error) {
  result := VerifyResult{ Mode: mode }

  show, err := v.Runner.Show(ctx, targetPath)
  if err != nil {
    return result, errs.NewPreconditionError("target %s is not a subvolume: %v", targetPath, err)
  }
  uuidMatch := uuidRx.FindStringSubmatch(show)
  if uuidMatch == nil {
    return result, errs.NewPreconditionError("could not determine UUID for restored target %s", targetPath)
  }
  subvolUUID, err := uuid.Parse(uuidMatch[1])
  if err != nil {
    return result, errs.NewPreconditionError("malformed subvolume UUID %q for restored target %s: %v", uuidMatch[1], targetPath, err)
  }
  result.UUID = subvolUUID.String()
  roMatch := readOnlyRx.FindStringSubmatch(show)
  result.MetadataOK = roMatch == nil || strings.Contains(strings.ToLower(roMatch[1]), "readonly")

  if mode == VerifyNone {
    result.ContentSkipped = true
    result.ContentSkipReason = "verify_mode=none"
    return result, nil
  }
  if referenceSnapshotPath == "" {
    result.ContentSkipped = true
    result.ContentSkipReason = "reference snapshot path unavailable"
    return result, nil
  }
  if _, err := os.Stat(referenceSnapshotPath); err != nil {
    result.ContentSkipped = true
    result.ContentSkipReason = "reference snapshot path unavailable"
    return result, nil
  }

  paths, err := relativeFilePaths(referenceSnapshotPath)
  if err != nil { return result, fmt.Errorf("verify: walking reference tree failed: %w", err) }
  sort.Strings(paths)
  if mode == VerifySample && len(paths) > v.SampleMaxFiles {
    paths = paths[:v.SampleMaxFiles]
  }

  for _, rel := range paths {
    refPath := filepath.Join(referenceSnapshotPath, rel)
    gotPath := filepath.Join(targetPath, rel)

    refInfo, err := os.Lstat(refPath)
    if err != nil { return result, fmt.Errorf("verify: stat reference %s failed: %w", refPath, err) }
    gotInfo, err := os.Lstat(gotPath)
    if os.IsNotExist(err) {
      result.MismatchPath = rel
      return result, nil
    }
    if err != nil { return result, fmt.Errorf("verify: stat restored %s failed: %w", gotPath, err) }
    if refInfo.Mode().IsRegular() && gotInfo.Mode().IsRegular() {
      if refInfo.Size() != gotInfo.Size() {
        result.MismatchPath = rel
        return result, nil
      }
      refSum, err := sha256File(refPath)
      if err != nil { return result, fmt.Errorf("verify: hash reference %s failed: %w", refPath, err) }
      gotSum, err := sha256File(gotPath)
      if err != nil { return result, fmt.Errorf("verify: hash restored %s failed: %w", gotPath, err) }
      if refSum != gotSum {
        result.MismatchPath = rel
        return result, nil
      }
    }
    result.FilesChecked++
  }
  return result, nil
}

func relativeFilePaths(root string) ([]string, error) {
  var out []string
  err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
    if err != nil { return err }
    if info.IsDir() { return nil }
    rel, err := filepath.Rel(root, path)
    if err != nil { return err }
    out = append(out, rel)
    return nil
  })
  return out, err
}

func sha256File(path string) (string, error) {
  f, err := os.Open(path)
  if err != nil { return "", err }
  defer f.Close()
  h := sha256.New()
  if _, err := io.Copy(h, f); err != nil { return "", err }
  return hex.EncodeToString(h.Sum(nil)), nil
}
