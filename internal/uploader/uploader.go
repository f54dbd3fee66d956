// Package uploader is the multipart uploader described in spec.md §4.7 —
// the largest single component of the pipeline. Grounded on
// original_source/btrfs_to_s3/uploader.py for exact policy (part size,
// spool/in-memory buffering, retry backoff+jitter, drain-on-completion)
// and on the teacher's volume_store/aws_s3_storage/aws_s3_storage.go for
// the narrow-interface + goroutine/channel shape idiomatic to Go.
package uploader

import (
  "bytes"
  "context"
  "errors"
  "fmt"
  "io"
  "math/rand"
  "os"
  "sort"
  "sync"
  "time"

  "github.com/aws/aws-sdk-go-v2/aws"
  "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
  "github.com/aws/aws-sdk-go-v2/service/s3"
  s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
  awshttp "github.com/aws/smithy-go/transport/http"
  "github.com/avast/retry-go/v4"
  "golang.org/x/sync/semaphore"

  "btrfs_to_s3/internal/errs"
)

const (
  MaxPartSize    = 5 * 1024 * 1024 * 1024 // 5 GiB, S3 hard limit per part.
  MinPartSize    = 5 * 1024 * 1024        // 5 MiB, S3 hard minimum per non-final part.
  MaxPartCount   = 10000
  defaultRetryAttempts = 5
  retryBaseDelay       = 1 * time.Second
  retryMaxDelay        = 30 * time.Second
)

// API is the subset of the S3 client this package needs, narrowed for
// unit testing (grounded on the teacher's usedS3If/uploaderIf pattern).
type API interface {
  PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
  CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
  UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error)
  CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
  AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Uploader multipart-uploads chunks and small-object PUTs manifests and
// pointers, per the config's spool/concurrency/part-size policy.
type Uploader struct {
  Client      API
  Bucket      string
  PartSize    int64
  Concurrency int
  SpoolDir    string
  SpoolSizeBytes int64
}

// Result mirrors the original's UploadResult.
type Result struct {
  Key  string
  Size int64
  ETag string
}

func New(client API, bucket string, partSize int64, concurrency int, spoolDir string, spoolSizeBytes int64) *Uploader {
  return &Uploader{ Client: client, Bucket: bucket, PartSize: partSize, Concurrency: concurrency, SpoolDir: spoolDir, SpoolSizeBytes: spoolSizeBytes }
}

// Put uploads a small object (manifest, pointer) with a single PUT. A
// non-seekable body is materialized into memory first, matching the
// original's fallback to a retry buffer for non-seekable small objects.
func (u *Uploader) Put(ctx context.Context, key string, body io.Reader, storageClass, sse string) (Result, error) {
  data, err := io.ReadAll(body)
  if err != nil { return Result{}, &errs.UploadError{ Key: key, Err: err } }

  out, err := u.Client.PutObject(ctx, &s3.PutObjectInput{
    Bucket:               aws.String(u.Bucket),
    Key:                  aws.String(key),
    Body:                 bytes.NewReader(data),
    StorageClass:         s3types.StorageClass(storageClass),
    ServerSideEncryption: s3types.ServerSideEncryption(sse),
  })
  if err != nil { return Result{}, &errs.UploadError{ Key: key, Err: err } }
  etag := ""
  if out.ETag != nil { etag = *out.ETag }
  return Result{ Key: key, Size: int64(len(data)), ETag: etag }, nil
}

// PutLarge multipart-uploads body to key, per spec.md §4.7's policy.
func (u *Uploader) PutLarge(ctx context.Context, key string, body io.Reader, storageClass, sse string) (Result, error) {
  partSize := u.effectivePartSize()
  useSpool := u.SpoolDir != "" && u.SpoolSizeBytes > 0
  if useSpool {
    if u.SpoolSizeBytes < partSize { partSize = u.SpoolSizeBytes }
    if partSize < MinPartSize {
      return Result{}, &errs.UploadError{ Key: key, Err: fmt.Errorf("spool_size_bytes must be >= 5 MiB") }
    }
    if err := os.MkdirAll(u.SpoolDir, 0o755); err != nil {
      return Result{}, &errs.UploadError{ Key: key, Err: err }
    }
  }
  maxInFlight := u.maxInFlightParts(partSize, useSpool)

  createOut, err := u.Client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
    Bucket:               aws.String(u.Bucket),
    Key:                  aws.String(key),
    StorageClass:         s3types.StorageClass(storageClass),
    ServerSideEncryption: s3types.ServerSideEncryption(sse),
  })
  if err != nil { return Result{}, &errs.UploadError{ Key: key, Err: err } }
  uploadID := aws.ToString(createOut.UploadId)

  ctx, cancel := context.WithCancel(ctx)
  defer cancel()
  sem := semaphore.NewWeighted(int64(maxInFlight))

  var (
    mu        sync.Mutex
    wg        sync.WaitGroup
    firstErr  error
    totalSize int64
    partsByNo = make(map[int32]string)
  )
  recordErr := func(err error) {
    mu.Lock()
    defer mu.Unlock()
    if firstErr == nil { firstErr = err; cancel() }
  }

  var partNumber int32 = 1
  for {
    if partNumber > MaxPartCount {
      recordErr(fmt.Errorf("exceeded max part count %d", MaxPartCount))
      break
    }
    if err := sem.Acquire(ctx, 1); err != nil { break }

    part, n, readErr := readPart(body, partSize, useSpool, u.SpoolDir)
    if readErr != nil {
      sem.Release(1)
      recordErr(readErr)
      break
    }
    if n == 0 {
      sem.Release(1)
      break
    }
    mu.Lock()
    totalSize += n
    mu.Unlock()

    pn := partNumber
    partNumber++
    wg.Add(1)
    go func() {
      defer wg.Done()
      defer sem.Release(1)
      defer part.cleanup()

      etag, err := uploadPartWithRetry(ctx, u.Client, u.Bucket, key, uploadID, pn, part)
      if err != nil { recordErr(err); return }
      mu.Lock()
      partsByNo[pn] = etag
      mu.Unlock()
    }()
  }
  wg.Wait()

  if firstErr != nil {
    _, _ = u.Client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
      Bucket: aws.String(u.Bucket), Key: aws.String(key), UploadId: aws.String(uploadID),
    })
    return Result{}, &errs.UploadError{ Key: key, Err: firstErr }
  }

  _, err = u.Client.CompleteMultipartUpload(context.Background(), &s3.CompleteMultipartUploadInput{
    Bucket:   aws.String(u.Bucket),
    Key:      aws.String(key),
    UploadId: aws.String(uploadID),
    MultipartUpload: &s3types.CompletedMultipartUpload{ Parts: orderedParts(partsByNo) },
  })
  if err != nil { return Result{}, &errs.UploadError{ Key: key, Err: err } }
  return Result{ Key: key, Size: totalSize }, nil
}

func (u *Uploader) effectivePartSize() int64 {
  size := u.PartSize
  if size <= 0 { size = 128 * 1024 * 1024 }
  if size > MaxPartSize { size = MaxPartSize }
  return size
}

func (u *Uploader) maxInFlightParts(partSize int64, useSpool bool) int {
  concurrency := u.Concurrency
  if concurrency < 1 { concurrency = 1 }
  if !useSpool { return concurrency }
  limit := u.SpoolSizeBytes / partSize
  if limit < 1 { limit = 1 }
  if int64(concurrency) < limit { return concurrency }
  return int(limit)
}

// partBuffer is either an in-memory buffer or a spool temp file.
type partBuffer struct {
  data      []byte
  spoolPath string
  size      int64
}

func (p *partBuffer) reader() (io.ReadSeeker, func() error, error) {
  if p.spoolPath == "" { return bytes.NewReader(p.data), func() error { return nil }, nil }
  f, err := os.Open(p.spoolPath)
  if err != nil { return nil, nil, err }
  return f, f.Close, nil
}

func (p *partBuffer) cleanup() {
  if p.spoolPath != "" { _ = os.Remove(p.spoolPath) }
}

// readPart reads up to partSize bytes from body, buffering in memory or to
// a spool temp file. It returns n == 0 once body is exhausted, so a stream
// ending exactly on a part boundary never yields a trailing empty part.
func readPart(body io.Reader, partSize int64, useSpool bool, spoolDir string) (*partBuffer, int64, error) {
  if !useSpool {
    buf := make([]byte, partSize)
    n, err := io.ReadFull(body, buf)
    if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF { return nil, 0, err }
    if n == 0 { return nil, 0, nil }
    return &partBuffer{ data: buf[:n] }, int64(n), nil
  }

  tmp, err := os.CreateTemp(spoolDir, "part-*.spool")
  if err != nil { return nil, 0, err }
  n, err := io.CopyN(tmp, body, partSize)
  closeErr := tmp.Close()
  if err != nil && err != io.EOF { os.Remove(tmp.Name()); return nil, 0, err }
  if closeErr != nil { os.Remove(tmp.Name()); return nil, 0, closeErr }
  if n == 0 {
    os.Remove(tmp.Name())
    return nil, 0, nil
  }
  return &partBuffer{ spoolPath: tmp.Name(), size: n }, n, nil
}

func uploadPartWithRetry(ctx context.Context, client API, bucket, key, uploadID string, partNumber int32, part *partBuffer) (string, error) {
  var etag string
  err := retry.Do(
    func() error {
      body, closeFn, err := part.reader()
      if err != nil { return err }
      defer closeFn()

      out, err := client.UploadPart(ctx, &s3.UploadPartInput{
        Bucket:     aws.String(bucket),
        Key:        aws.String(key),
        UploadId:   aws.String(uploadID),
        PartNumber: partNumber,
        Body:       body,
      })
      if err != nil { return err }
      etag = aws.ToString(out.ETag)
      return nil
    },
    retry.Context(ctx),
    retry.Attempts(defaultRetryAttempts),
    retry.RetryIf(isTransient),
    retry.LastErrorOnly(true),
    retry.DelayType(backoffWithFullJitter),
  )
  if err != nil { return "", err }
  return etag, nil
}

// backoffWithFullJitter implements full jitter: a uniform random delay in
// [0, base*2^n], where n counts the retries already made (0 before the
// first retry) and the upper bound is capped at retryMaxDelay.
func backoffWithFullJitter(attempt uint, _ error, _ *retry.Config) time.Duration {
  delay := retryBaseDelay << attempt
  if delay > retryMaxDelay { delay = retryMaxDelay }
  return time.Duration(rand.Int63n(int64(delay) + 1))
}

// isTransient reports whether err should be retried locally: network
// timeouts, 5xx responses, and throttling. Non-transient (other 4xx)
// responses fail fast, per spec.md §4.7/§7.
func isTransient(err error) bool {
  var respErr *awshttp.ResponseError
  if errors.As(err, &respErr) {
    code := respErr.HTTPStatusCode()
    if code >= 500 || code == 429 { return true }
  }
  var apiErr interface{ ErrorCode() string }
  if errors.As(err, &apiErr) {
    switch apiErr.ErrorCode() {
    case "RequestTimeout", "Throttling", "ThrottlingException", "SlowDown",
      "RequestTimeTooSkewed", "InternalError", "ServiceUnavailable", "RequestLimitExceeded":
      return true
    }
  }
  return errors.Is(err, context.DeadlineExceeded)
}

func orderedParts(parts map[int32]string) []s3types.CompletedPart {
  numbers := make([]int32, 0, len(parts))
  for n := range parts { numbers = append(numbers, n) }
  sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
  ordered := make([]s3types.CompletedPart, 0, len(numbers))
  for _, n := range numbers {
    etag := parts[n]
    ordered = append(ordered, s3types.CompletedPart{ ETag: aws.String(etag), PartNumber: n })
  }
  return ordered
}

// small-object PUT path can optionally go through manager.Uploader for
// consistency with the teacher's own use of the high-level manager; kept
// as an alternate path for callers that already assembled one.
func PutViaManager(ctx context.Context, uploader *manager.Uploader, bucket, key string, body io.Reader, storageClass, sse string) (Result, error) {
  out, err := uploader.Upload(ctx, &s3.PutObjectInput{
    Bucket:               aws.String(bucket),
    Key:                  aws.String(key),
    Body:                 body,
    StorageClass:         s3types.StorageClass(storageClass),
    ServerSideEncryption: s3types.ServerSideEncryption(sse),
  })
  if err != nil { return Result{}, &errs.UploadError{ Key: key, Err: err } }
  etag := ""
  if out.ETag != nil { etag = *out.ETag }
  return Result{ Key: key, ETag: etag }, nil
}

