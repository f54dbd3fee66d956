// Package restore resolves a manifest chain, waits for archival chunks to
// become readable, and streams them into `btrfs receive` (spec.md §4.9).
// Grounded on original_source/btrfs_to_s3/restore.py
// (resolve_manifest_chain's loop detection and oldest-first ordering,
// _wait_for_restore's polling loop) and on the teacher's streamer-style
// subprocess handling in workflow/backup_manager for `btrfs receive`.
package restore

import (
  "bytes"
  "context"
  "crypto/sha256"
  "encoding/hex"
  "fmt"
  "io"
  "os"
  "os/exec"
  "path/filepath"
  "sort"
  "strings"
  "time"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/service/s3"
  s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

  "btrfs_to_s3/internal/errs"
  "btrfs_to_s3/internal/manifest"
)

// ObjectAPI is the subset of the S3 client the restore path needs.
type ObjectAPI interface {
  GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
  HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
  RestoreObject(context.Context, *s3.RestoreObjectInput, ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
}

// ChainResolver walks a manifest's parent_manifest links back to a full
// manifest and returns the chain oldest-first (spec §4.9 step 1).
type ChainResolver struct {
  API    ObjectAPI
  Bucket string
}

func (r *ChainResolver) getObject(ctx context.Context, key string) ([]byte, error) {
  out, err := r.API.GetObject(ctx, &s3.GetObjectInput{ Bucket: aws.String(r.Bucket), Key: aws.String(key) })
  if err != nil { return nil, err }
  defer out.Body.Close()
  return io.ReadAll(out.Body)
}

// Resolve returns the manifest chain for subvolume, oldest (full) first.
// If manifestKey is non-empty it overrides the pointer lookup.
func (r *ChainResolver) Resolve(ctx context.Context, prefix, subvolume, manifestKey string) ([]manifest.Manifest, error) {
  key := manifestKey
  if key == "" {
    data, err := r.getObject(ctx, manifest.PointerKey(prefix, subvolume))
    if err != nil { return nil, errs.NewPreconditionError("pointer unreadable for subvolume %s: %v", subvolume, err) }
    ptr, err := manifest.DecodePointer(data)
    if err != nil { return nil, errs.NewPreconditionError("pointer decode failed for subvolume %s: %v", subvolume, err) }
    key = ptr.ManifestKey
  }

  var chain []manifest.Manifest
  visited := make(map[string]bool)
  for key != "" {
    if visited[key] { return nil, errs.NewPreconditionError("manifest chain loop detected at %s", key) }
    visited[key] = true

    data, err := r.getObject(ctx, key)
    if err != nil { return nil, errs.NewPreconditionError("broken manifest chain: missing or unreadable %s", key) }
    m, err := manifest.Decode(data)
    if err != nil { return nil, errs.NewPreconditionError("broken manifest chain: undecodable %s: %v", key, err) }
    chain = append(chain, m)
    if m.ParentManifest == nil { break }
    key = *m.ParentManifest
  }
  for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 { chain[i], chain[j] = chain[j], chain[i] }
  if len(chain) == 0 || chain[0].Kind != "full" {
    return nil, errs.NewPreconditionError("manifest chain for subvolume %s does not terminate at a full manifest", subvolume)
  }
  return chain, nil
}

// ReadinessWaiter ensures every chunk referenced by a chain is readable,
// issuing RestoreObject for archival-tier chunks and optionally polling
// until restoration completes (spec §4.9 step 3).
type ReadinessWaiter struct {
  API            ObjectAPI
  Bucket         string
  Tier           string
  Wait           bool
  TimeoutSeconds int
}

// Ensure blocks (if Wait) until every key in keys is readable, or fails
// immediately with RestoreReadinessTimeoutError if Wait is false and any
// key needs restoration.
func (w *ReadinessWaiter) Ensure(ctx context.Context, keys []string) error {
  var pending []string
  for _, key := range keys {
    ready, needsRestore, err := w.status(ctx, key)
    if err != nil { return errs.NewPreconditionError("head failed for %s: %v", key, err) }
    if ready { continue }
    if needsRestore {
      if _, err := w.API.RestoreObject(ctx, &s3.RestoreObjectInput{
        Bucket:                 aws.String(w.Bucket),
        Key:                    aws.String(key),
        RestoreRequest:         &s3types.RestoreRequest{ GlacierJobParameters: &s3types.GlacierJobParameters{ Tier: s3types.Tier(w.Tier) } },
      }); err != nil {
        var already interface{ ErrorCode() string }
        if !(asAPIError(err, &already) && already.ErrorCode() == "RestoreAlreadyInProgress") {
          return errs.NewPreconditionError("restore request failed for %s: %v", key, err)
        }
      }
    }
    pending = append(pending, key)
  }
  if len(pending) == 0 { return nil }
  if !w.Wait { return &errs.RestoreReadinessTimeoutError{ MissingKeys: pending } }
  return w.poll(ctx, pending)
}

const pollMaxBackoff = 2 * time.Minute

// poll rechecks readiness with exponential backoff (base 1s, capped at a
// few minutes), per spec §4.9 step 3, until every key is ready or
// TimeoutSeconds elapses.
func (w *ReadinessWaiter) poll(ctx context.Context, keys []string) error {
  deadline := time.Now().Add(time.Duration(w.TimeoutSeconds) * time.Second)
  remaining := append([]string(nil), keys...)
  backoff := time.Second

  for len(remaining) > 0 {
    if time.Now().After(deadline) {
      return &errs.RestoreReadinessTimeoutError{ MissingKeys: remaining }
    }
    var still []string
    for _, key := range remaining {
      ready, _, err := w.status(ctx, key)
      if err != nil { return errs.NewPreconditionError("head failed for %s: %v", key, err) }
      if !ready { still = append(still, key) }
    }
    remaining = still
    if len(remaining) == 0 { break }

    sleep := backoff
    if until := time.Until(deadline); until < sleep { sleep = until }
    if sleep <= 0 { return &errs.RestoreReadinessTimeoutError{ MissingKeys: remaining } }
    timer := time.NewTimer(sleep)
    select {
    case <-ctx.Done():
      timer.Stop()
      return ctx.Err()
    case <-timer.C:
    }
    backoff *= 2
    if backoff > pollMaxBackoff { backoff = pollMaxBackoff }
  }
  return nil
}

// status reports whether key is currently readable and, if not, whether it
// still needs a RestoreObject call (vs. one already in flight).
func (w *ReadinessWaiter) status(ctx context.Context, key string) (ready, needsRestore bool, err error) {
  out, err := w.API.HeadObject(ctx, &s3.HeadObjectInput{ Bucket: aws.String(w.Bucket), Key: aws.String(key) })
  if err != nil { return false, false, err }

  switch out.StorageClass {
  case s3types.StorageClassGlacier, s3types.StorageClassDeepArchive:
  default:
    return true, false, nil
  }
  restore := aws.ToString(out.Restore)
  if restore == "" { return false, true, nil }
  if strings.Contains(restore, `ongoing-request="false"`) { return true, false, nil }
  return false, false, nil
}

func asAPIError(err error, target *interface{ ErrorCode() string }) bool {
  type apiErr interface{ ErrorCode() string }
  if v, ok := err.(apiErr); ok { *target = v; return true }
  return false
}

const receiveKillGrace = 5 * time.Second

// Streamer feeds each chunk of each manifest in the chain, oldest-first
// and ordinal-order within a manifest, into a single `btrfs receive`
// child targeting the parent directory of targetPath (spec §4.9 step 4).
type Streamer struct {
  API    ObjectAPI
  Bucket string
}

func (s *Streamer) Restore(ctx context.Context, chain []manifest.Manifest, targetPath string) error {
  parentDir := filepath.Dir(targetPath)
  cmd := exec.CommandContext(ctx, "btrfs", "receive", parentDir)
  stdin, err := cmd.StdinPipe()
  if err != nil { return &errs.ReceiveError{ Args: cmd.Args, Err: err } }
  var stderr bytes.Buffer
  cmd.Stderr = &stderr
  if err := cmd.Start(); err != nil { return &errs.ReceiveError{ Args: cmd.Args, Err: err } }

  streamErr := s.feed(ctx, chain, stdin)
  _ = stdin.Close()

  waitErr := waitWithGrace(cmd, receiveKillGrace)
  if streamErr != nil {
    return streamErr
  }
  if waitErr != nil {
    return &errs.ReceiveError{ Args: cmd.Args, Err: waitErr, StderrTail: stderr.String() }
  }
  return nil
}

func (s *Streamer) feed(ctx context.Context, chain []manifest.Manifest, stdin io.Writer) error {
  for _, m := range chain {
    chunks := append([]manifest.ChunkEntry(nil), m.Chunks...)
    sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
    for _, c := range chunks {
      if err := s.feedChunk(ctx, c, stdin); err != nil { return err }
    }
  }
  return nil
}

func (s *Streamer) feedChunk(ctx context.Context, c manifest.ChunkEntry, stdin io.Writer) error {
  out, err := s.API.GetObject(ctx, &s3.GetObjectInput{ Bucket: aws.String(s.Bucket), Key: aws.String(c.Key) })
  if err != nil { return &errs.UploadError{ Key: c.Key, Err: err } }
  defer out.Body.Close()

  hasher := sha256.New()
  if _, err := io.Copy(stdin, io.TeeReader(out.Body, hasher)); err != nil {
    return fmt.Errorf("restore: streaming %s into btrfs receive failed: %w", c.Key, err)
  }
  digest := hex.EncodeToString(hasher.Sum(nil))
  if digest != c.SHA256 {
    return &errs.IntegrityError{ Key: c.Key, Expected: c.SHA256, Actual: digest }
  }
  return nil
}

func waitWithGrace(cmd *exec.Cmd, grace time.Duration) error {
  done := make(chan error, 1)
  go func() { done <- cmd.Wait() }()
  select {
  case err := <-done:
    return err
  case <-time.After(grace):
    _ = cmd.Process.Kill()
    return <-done
  }
}

// EnsureTargetAbsent enforces spec §4.9 step 2: the target must not
// already exist.
func EnsureTargetAbsent(targetPath string) error {
  if _, err := os.Stat(targetPath); err == nil {
    return errs.NewPreconditionError("restore target already exists: %s", targetPath)
  }
  return nil
}
