package uploader

import (
  "bytes"
  "context"
  "fmt"
  "io"
  "os"
  "sync"
  "sync/atomic"
  "testing"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/service/s3"
  "github.com/stretchr/testify/require"
)

// transientErr stands in for a retryable AWS API error (5xx-class), giving
// isTransient an ErrorCode() to match against without depending on a
// concrete modeled S3 error shape.
type transientErr struct{}

func (transientErr) Error() string     { return "transient" }
func (transientErr) ErrorCode() string { return "InternalError" }

// fakeAPI is an in-memory double for the S3 API subset the uploader uses,
// grounded on the teacher's own mock-client style (types/mocks).
type fakeAPI struct {
  mu           sync.Mutex
  objects      map[string][]byte
  parts        map[string]map[int32][]byte
  aborted      map[string]bool
  failFirstN   int32
  failed       int32
}

func newFakeAPI() *fakeAPI {
  return &fakeAPI{ objects: map[string][]byte{}, parts: map[string]map[int32][]byte{}, aborted: map[string]bool{} }
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
  data, err := io.ReadAll(in.Body)
  if err != nil { return nil, err }
  f.mu.Lock()
  f.objects[*in.Key] = data
  f.mu.Unlock()
  return &s3.PutObjectOutput{ ETag: aws.String("etag-" + *in.Key) }, nil
}

func (f *fakeAPI) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
  f.mu.Lock()
  f.parts[*in.Key] = map[int32][]byte{}
  f.mu.Unlock()
  return &s3.CreateMultipartUploadOutput{ UploadId: aws.String("upload-" + *in.Key) }, nil
}

func (f *fakeAPI) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
  if atomic.LoadInt32(&f.failed) < f.failFirstN {
    atomic.AddInt32(&f.failed, 1)
    return nil, transientErr{}
  }
  data, err := io.ReadAll(in.Body)
  if err != nil { return nil, err }
  f.mu.Lock()
  f.parts[*in.Key][in.PartNumber] = data
  f.mu.Unlock()
  return &s3.UploadPartOutput{ ETag: aws.String(fmt.Sprintf("etag-%d", in.PartNumber)) }, nil
}

func (f *fakeAPI) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
  f.mu.Lock()
  defer f.mu.Unlock()
  var buf bytes.Buffer
  for _, p := range in.MultipartUpload.Parts {
    buf.Write(f.parts[*in.Key][p.PartNumber])
  }
  f.objects[*in.Key] = buf.Bytes()
  return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeAPI) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
  f.mu.Lock()
  f.aborted[*in.Key] = true
  f.mu.Unlock()
  return &s3.AbortMultipartUploadOutput{}, nil
}

func TestPut_smallObject_roundTrips(t *testing.T) {
  api := newFakeAPI()
  u := New(api, "bucket", 0, 2, "", 0)
  res, err := u.Put(context.Background(), "k", bytes.NewReader([]byte("hello")), "STANDARD", "AES256")
  require.NoError(t, err)
  require.EqualValues(t, 5, res.Size)
  require.Equal(t, []byte("hello"), api.objects["k"])
}

func TestPutLarge_multiPart_reassemblesInOrder(t *testing.T) {
  api := newFakeAPI()
  u := New(api, "bucket", 10, 3, "", 0) // part size 10 bytes
  data := bytes.Repeat([]byte{0x42}, 35)

  res, err := u.PutLarge(context.Background(), "chunk-00000.bin", bytes.NewReader(data), "DEEP_ARCHIVE", "AES256")
  require.NoError(t, err)
  require.EqualValues(t, 35, res.Size)
  require.Equal(t, data, api.objects["chunk-00000.bin"])
  require.False(t, api.aborted["chunk-00000.bin"])
}

func TestPutLarge_exactMultipleOfPartSize_noEmptyTrailingPart(t *testing.T) {
  api := newFakeAPI()
  u := New(api, "bucket", 10, 2, "", 0)
  data := bytes.Repeat([]byte{0x01}, 30)

  _, err := u.PutLarge(context.Background(), "k", bytes.NewReader(data), "STANDARD", "AES256")
  require.NoError(t, err)
  require.Len(t, api.parts["k"], 3)
}

func TestPutLarge_retriesTransientFailureThenSucceeds(t *testing.T) {
  api := newFakeAPI()
  api.failFirstN = 2
  u := New(api, "bucket", 10, 1, "", 0)
  data := bytes.Repeat([]byte{0x09}, 10)

  res, err := u.PutLarge(context.Background(), "k", bytes.NewReader(data), "STANDARD", "AES256")
  require.NoError(t, err)
  require.EqualValues(t, 10, res.Size)
}

func TestPutLarge_spoolMode_cleansUpTempFiles(t *testing.T) {
  api := newFakeAPI()
  dir := t.TempDir()
  u := New(api, "bucket", 10, 4, dir, 30) // spool caps effective concurrency
  data := bytes.Repeat([]byte{0x07}, 25)

  res, err := u.PutLarge(context.Background(), "k", bytes.NewReader(data), "STANDARD", "AES256")
  require.NoError(t, err)
  require.EqualValues(t, 25, res.Size)

  entries, err := os.ReadDir(dir)
  require.NoError(t, err)
  require.Empty(t, entries)
}

func TestEffectivePartSize_capsAt5GiB(t *testing.T) {
  u := New(nil, "bucket", 6*1024*1024*1024, 1, "", 0)
  require.EqualValues(t, MaxPartSize, u.effectivePartSize())
}

func TestMaxInFlightParts_boundedBySpoolSize(t *testing.T) {
  u := New(nil, "bucket", 10, 8, "/spool", 25) // 25/10 = 2 parts fit
  require.Equal(t, 2, u.maxInFlightParts(10, true))
  require.Equal(t, 8, u.maxInFlightParts(10, false))
}
