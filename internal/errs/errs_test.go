package errs

import (
  "fmt"
  "testing"

  "github.com/stretchr/testify/require"
)

func TestExitCode_direct(t *testing.T) {
  require.Equal(t, 2, ExitCode(NewConfigError("s3.bucket", "is required")))
  require.Equal(t, 3, ExitCode(&LockHeldError{ Path: "/var/lock/x", Owner: 42 }))
  require.Equal(t, 6, ExitCode(&IntegrityError{ Key: "k", Expected: "a", Actual: "b" }))
}

func TestExitCode_wrapped(t *testing.T) {
  base := &UploadError{ Key: "chunk-00000", Err: fmt.Errorf("timeout") }
  wrapped := fmt.Errorf("pipeline failed: %w", base)
  require.Equal(t, 5, ExitCode(wrapped))
}

func TestExitCode_unknown(t *testing.T) {
  require.Equal(t, 1, ExitCode(fmt.Errorf("some unrelated failure")))
}

func TestPreconditionError_message(t *testing.T) {
  err := NewPreconditionError("target %s already exists", "/srv/restore/data")
  require.Contains(t, err.Error(), "/srv/restore/data")
  require.Equal(t, 1, ExitCode(err))
}
