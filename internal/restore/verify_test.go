package restore

import (
  "context"
  "os"
  "path/filepath"
  "testing"

  "github.com/stretchr/testify/require"
)

type fakeShowRunner struct {
  output string
  err    error
}

func (f fakeShowRunner) Show(context.Context, string) (string, error) { return f.output, f.err }

const sampleShowOutput = `/mnt/target
	Name: 			target
	UUID: 			1f2e3d4c-0000-0000-0000-000000000001
	Flags: 			readonly
`

func writeTree(t *testing.T, files map[string]string) string {
  t.Helper()
  root := t.TempDir()
  for rel, content := range files {
    full := filepath.Join(root, rel)
    require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
    require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
  }
  return root
}

func TestVerify_none_skipsContent(t *testing.T) {
  v := NewVerifier(fakeShowRunner{ output: sampleShowOutput }, 100)
  result, err := v.Verify(context.Background(), VerifyNone, "/mnt/target", "/mnt/ref")
  require.NoError(t, err)
  require.True(t, result.MetadataOK)
  require.True(t, result.ContentSkipped)
}

func TestVerify_full_matchingTreesSucceed(t *testing.T) {
  ref := writeTree(t, map[string]string{ "a.txt": "hello", "sub/b.txt": "world" })
  target := writeTree(t, map[string]string{ "a.txt": "hello", "sub/b.txt": "world" })

  v := NewVerifier(fakeShowRunner{ output: sampleShowOutput }, 100)
  result, err := v.Verify(context.Background(), VerifyFull, target, ref)
  require.NoError(t, err)
  require.False(t, result.ContentSkipped)
  require.Empty(t, result.MismatchPath)
  require.Equal(t, 2, result.FilesChecked)
}

func TestVerify_full_contentMismatchReportsPath(t *testing.T) {
  ref := writeTree(t, map[string]string{ "a.txt": "hello" })
  target := writeTree(t, map[string]string{ "a.txt": "goodbye" })

  v := NewVerifier(fakeShowRunner{ output: sampleShowOutput }, 100)
  result, err := v.Verify(context.Background(), VerifyFull, target, ref)
  require.NoError(t, err)
  require.Equal(t, "a.txt", result.MismatchPath)
}

func TestVerify_full_missingFileReportsPath(t *testing.T) {
  ref := writeTree(t, map[string]string{ "a.txt": "hello", "b.txt": "world" })
  target := writeTree(t, map[string]string{ "a.txt": "hello" })

  v := NewVerifier(fakeShowRunner{ output: sampleShowOutput }, 100)
  result, err := v.Verify(context.Background(), VerifyFull, target, ref)
  require.NoError(t, err)
  require.Equal(t, "b.txt", result.MismatchPath)
}

func TestVerify_sample_capsAtSampleMaxFiles(t *testing.T) {
  ref := writeTree(t, map[string]string{ "a.txt": "1", "b.txt": "2", "c.txt": "3" })
  target := writeTree(t, map[string]string{ "a.txt": "1", "b.txt": "2", "c.txt": "3" })

  v := NewVerifier(fakeShowRunner{ output: sampleShowOutput }, 2)
  result, err := v.Verify(context.Background(), VerifySample, target, ref)
  require.NoError(t, err)
  require.Equal(t, 2, result.FilesChecked)
}

func TestVerify_missingReference_skipsContentButChecksMetadata(t *testing.T) {
  v := NewVerifier(fakeShowRunner{ output: sampleShowOutput }, 100)
  result, err := v.Verify(context.Background(), VerifyFull, "/mnt/target", "/does/not/exist")
  require.NoError(t, err)
  require.True(t, result.MetadataOK)
  require.True(t, result.ContentSkipped)
  require.Equal(t, "reference snapshot path unavailable", result.ContentSkipReason)
}

func TestVerify_notASubvolumeIsFatal(t *testing.T) {
  v := NewVerifier(fakeShowRunner{ output: "not found", err: os.ErrNotExist }, 100)
  _, err := v.Verify(context.Background(), VerifyFull, "/mnt/target", "/mnt/ref")
  require.Error(t, err)
}
