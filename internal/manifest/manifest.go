// Package manifest assembles manifest/pointer records and publishes them
// to the object store under the manifest-then-pointer barrier (spec.md
// §4.8). Grounded on original_source/btrfs_to_s3/manifest.py
// (Manifest/CurrentPointer to_dict/publish_manifest ordering) and
// orchestrator.py's key-layout helpers (_build_prefix, the
// subvol/<name>/<kind>/<ts>/... patterns).
package manifest

import (
  "context"
  "encoding/json"
  "fmt"
  "path"
  "strings"
  "time"

  "btrfs_to_s3/internal/uploader"
)

const SchemaVersion = 1

// ChunkEntry describes one uploaded chunk object within a manifest.
type ChunkEntry struct {
  Ordinal int    `json:"ordinal"`
  Key     string `json:"key"`
  Size    int64  `json:"size"`
  SHA256  string `json:"sha256"`
}

// SnapshotDescriptor names the Btrfs snapshot a manifest was produced from.
type SnapshotDescriptor struct {
  Name string `json:"name"`
  Path string `json:"path"`
  UUID string `json:"uuid,omitempty"`
}

// S3Descriptor records where a manifest's chunks live.
type S3Descriptor struct {
  Bucket       string `json:"bucket"`
  Region       string `json:"region"`
  StorageClass string `json:"storage_class"`
}

// Manifest is the immutable record of one backup generation (spec §3).
type Manifest struct {
  SchemaVersion  int                `json:"schema_version"`
  Subvolume      string             `json:"subvolume"`
  Kind           string             `json:"kind"`
  CreatedAt      string             `json:"created_at"`
  Snapshot       SnapshotDescriptor `json:"snapshot"`
  Chunks         []ChunkEntry       `json:"chunks"`
  ParentManifest *string            `json:"parent_manifest"`
  TotalBytes     int64              `json:"total_bytes"`
  ChunkSizeBytes int64              `json:"chunk_size"`
  S3             S3Descriptor       `json:"s3"`
}

// Pointer is the per-subvolume current.json object (spec §3).
type Pointer struct {
  ManifestKey string `json:"manifest_key"`
  Kind        string `json:"kind"`
  CreatedAt   string `json:"created_at"`
}

// Key returns the manifest's own object key given the prefix it was
// published under; kept alongside the struct so callers never hand-format
// it twice.
func Key(prefix, subvolume, kind, ts string) string {
  return path.Join(prefix, "subvol", subvolume, kind, ts, "manifest.json")
}

// PointerKey returns the subvolume's current.json object key.
func PointerKey(prefix, subvolume string) string {
  return path.Join(prefix, "subvol", subvolume, "current.json")
}

// ChunkKey returns the zero-padded object key for chunk ordinal n within a
// run's timestamped prefix (spec §4.8's bit-exact layout).
func ChunkKey(prefix, subvolume, kind, ts string, ordinal int) string {
  return path.Join(prefix, "subvol", subvolume, kind, ts, "chunks", fmt.Sprintf("part-%05d.bin", ordinal))
}

// kindDir maps a manifest's logical kind to the directory segment used in
// object keys: "inc" (planner.ActionIncremental's value) and "incremental"
// both map to "inc"; anything else maps to "full".
func kindDir(kind string) string {
  if kind == "inc" || kind == "incremental" { return "inc" }
  return "full"
}

// Timestamp formats now with the same UTC layout that snapshot names embed
// (YYYYMMDDTHHMMSSZ).
func Timestamp(now time.Time) string {
  return now.UTC().Format("20060102T150405Z")
}

// New assembles a manifest record. parentManifest is nil for a full backup.
func New(subvolume, kind string, createdAt time.Time, snap SnapshotDescriptor, chunks []ChunkEntry, parentManifest *string, chunkSizeBytes int64, s3 S3Descriptor) Manifest {
  var total int64
  for _, c := range chunks { total += c.Size }
  return Manifest{
    SchemaVersion:  SchemaVersion,
    Subvolume:      subvolume,
    Kind:           kindDir(kind),
    CreatedAt:      createdAt.UTC().Format(time.RFC3339),
    Snapshot:       snap,
    Chunks:         chunks,
    ParentManifest: parentManifest,
    TotalBytes:     total,
    ChunkSizeBytes: chunkSizeBytes,
    S3:             s3,
  }
}

func (m Manifest) marshal() ([]byte, error) { return json.MarshalIndent(m, "", "  ") }
func (p Pointer) marshal() ([]byte, error)  { return json.MarshalIndent(p, "", "  ") }

// Publisher uploads manifests and pointers via the small-object PUT path
// and enforces the manifest-then-pointer publish barrier (spec §4.8
// invariant 2: a pointer is updated iff its manifest already succeeded).
type Publisher struct {
  Uploader             *uploader.Uploader
  Prefix               string
  StorageClassManifest string
  SSE                  string
}

func NewPublisher(u *uploader.Uploader, prefix, storageClassManifest, sse string) *Publisher {
  return &Publisher{ Uploader: u, Prefix: prefix, StorageClassManifest: storageClassManifest, SSE: sse }
}

// Publish uploads m, then overwrites the subvolume's pointer to reference
// it. It returns the manifest's own key. The pointer write never runs if
// the manifest upload fails.
func (p *Publisher) Publish(ctx context.Context, m Manifest, ts string) (string, error) {
  key := Key(p.Prefix, m.Subvolume, m.Kind, ts)
  body, err := m.marshal()
  if err != nil { return "", fmt.Errorf("manifest: marshal failed for %s: %w", key, err) }

  if _, err := p.Uploader.Put(ctx, key, strings.NewReader(string(body)), p.StorageClassManifest, p.SSE); err != nil {
    return "", fmt.Errorf("manifest: publish failed: %w", err)
  }

  ptr := Pointer{ ManifestKey: key, Kind: m.Kind, CreatedAt: m.CreatedAt }
  ptrBody, err := ptr.marshal()
  if err != nil { return "", fmt.Errorf("manifest: marshal pointer failed for %s: %w", key, err) }
  ptrKey := PointerKey(p.Prefix, m.Subvolume)
  if _, err := p.Uploader.Put(ctx, ptrKey, strings.NewReader(string(ptrBody)), p.StorageClassManifest, p.SSE); err != nil {
    return "", fmt.Errorf("manifest: pointer publish failed after manifest %s succeeded: %w", key, err)
  }
  return key, nil
}

// Decode parses a manifest from its JSON bytes. Callers fetch the bytes
// themselves (typically via S3 GetObject) since manifest itself stays
// transport-agnostic; kept here so restore's chain walker and any future
// inspection tool share one decode path.
func Decode(data []byte) (Manifest, error) {
  var m Manifest
  if err := json.Unmarshal(data, &m); err != nil { return Manifest{}, fmt.Errorf("manifest: decode failed: %w", err) }
  return m, nil
}

func DecodePointer(data []byte) (Pointer, error) {
  var p Pointer
  if err := json.Unmarshal(data, &p); err != nil { return Pointer{}, fmt.Errorf("manifest: decode pointer failed: %w", err) }
  return p, nil
}
