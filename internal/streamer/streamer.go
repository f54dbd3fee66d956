// Package streamer spawns `btrfs send` and exposes its stdout as a byte
// stream (spec.md §4.5). Grounded on
// original_source/btrfs_to_s3/streamer.py (open_btrfs_send /
// cleanup_btrfs_send: terminate then escalate to kill with a bounded grace
// period) and the teacher's util/util.go (FileBasedPipe,
// StartCmdWithPipedOutput, CloseWithError/OnlyCloseWhenError — the pipe
// must be closed on every exit path).
package streamer

import (
  "bytes"
  "context"
  "io"
  "os/exec"
  "sync"
  "syscall"
  "time"

  "btrfs_to_s3/internal/errs"
)

const (
  stderrRingBytes = 64 * 1024
  killGracePeriod = 5 * time.Second
)

// Send wraps a running `btrfs send` child process.
type Send struct {
  cmd    *exec.Cmd
  stdout io.ReadCloser
  stderr *ringBuffer
  args   []string
  waitCh chan error
}

// Open spawns `btrfs send [-p parent] snapshotPath` and returns a Send
// exposing stdout as an unbuffered stream. Every error path in the
// consumer must call Close.
func Open(ctx context.Context, snapshotPath, parentSnapshotPath string) (*Send, error) {
  args := []string{"btrfs", "send"}
  if parentSnapshotPath != "" {
    args = append(args, "-p", parentSnapshotPath)
  }
  args = append(args, snapshotPath)

  cmd := exec.CommandContext(ctx, args[0], args[1:]...)
  stdout, err := cmd.StdoutPipe()
  if err != nil { return nil, &errs.SendError{ Args: args, Err: err } }
  ring := newRingBuffer(stderrRingBytes)
  cmd.Stderr = ring

  if err := cmd.Start(); err != nil {
    return nil, &errs.SendError{ Args: args, Err: err }
  }

  s := &Send{ cmd: cmd, stdout: stdout, stderr: ring, args: args, waitCh: make(chan error, 1) }
  go func() { s.waitCh <- cmd.Wait() }()
  return s, nil
}

// Read implements io.Reader by delegating to stdout, so the streamer can
// be handed directly to the chunker.
func (s *Send) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Close closes stdout, terminates the child if still running, waits with a
// bounded grace period then escalates to SIGKILL, and returns an error
// enriched with the captured stderr tail if the process failed.
func (s *Send) Close() error {
  s.stdout.Close()

  select {
  case err := <-s.waitCh:
    return s.wrapExit(err)
  default:
  }

  if s.cmd.Process != nil {
    _ = s.cmd.Process.Signal(syscall.SIGTERM)
  }
  select {
  case err := <-s.waitCh:
    return s.wrapExit(err)
  case <-time.After(killGracePeriod):
    if s.cmd.Process != nil { _ = s.cmd.Process.Kill() }
    err := <-s.waitCh
    return s.wrapExit(err)
  }
}

func (s *Send) wrapExit(err error) error {
  if err == nil { return nil }
  return &errs.SendError{ Args: s.args, Err: err, StderrTail: s.stderr.String() }
}

// ringBuffer keeps only the newest stderrRingBytes bytes written to it.
type ringBuffer struct {
  mu  sync.Mutex
  buf bytes.Buffer
  cap int
}

func newRingBuffer(capacity int) *ringBuffer { return &ringBuffer{ cap: capacity } }

func (r *ringBuffer) Write(p []byte) (int, error) {
  r.mu.Lock()
  defer r.mu.Unlock()
  r.buf.Write(p)
  if over := r.buf.Len() - r.cap; over > 0 {
    r.buf.Next(over)
  }
  return len(p), nil
}

func (r *ringBuffer) String() string {
  r.mu.Lock()
  defer r.mu.Unlock()
  return r.buf.String()
}

