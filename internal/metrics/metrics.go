// Package metrics formats and logs the completion record for one backup
// or restore run (spec.md §4.11). Grounded on
// original_source/btrfs_to_s3/metrics.py (Metrics/calculate_metrics's
// non-negative validation and elapsed-time accounting).
package metrics

import (
  "time"

  "github.com/dustin/go-humanize"
  "github.com/sirupsen/logrus"
)

// Metrics is the completion record for one subvolume pipeline run.
type Metrics struct {
  Subvolume     string
  Kind          string
  TotalBytes    int64
  ElapsedSeconds float64
  Success       bool
}

// New computes a Metrics record from a monotonic start time and outcome.
func New(subvolume, kind string, totalBytes int64, start, end time.Time, success bool) Metrics {
  elapsed := end.Sub(start).Seconds()
  if elapsed < 0 { elapsed = 0 }
  if totalBytes < 0 { totalBytes = 0 }
  return Metrics{ Subvolume: subvolume, Kind: kind, TotalBytes: totalBytes, ElapsedSeconds: elapsed, Success: success }
}

// Throughput formats bytes/second via go-humanize's binary (KiB/MiB/GiB)
// ladder rather than a hand-rolled one. The ladder steps up at 1024, not
// 1000, so a rate from 1000 to 1023 of a unit is shown in that unit
// (e.g. "1000 KiB/s").
func (m Metrics) Throughput() string {
  if m.ElapsedSeconds <= 0 { return humanize.IBytes(uint64(m.TotalBytes)) + "/s" }
  perSecond := float64(m.TotalBytes) / m.ElapsedSeconds
  if perSecond < 0 { perSecond = 0 }
  return humanize.IBytes(uint64(perSecond)) + "/s"
}

// LogBackup emits the backup_metrics structured event (spec §4.11).
func LogBackup(log *logrus.Logger, m Metrics) {
  log.WithFields(logrus.Fields{
    "event":           "backup_metrics",
    "subvolume":       m.Subvolume,
    "kind":            m.Kind,
    "total_bytes":     m.TotalBytes,
    "elapsed_seconds": m.ElapsedSeconds,
    "throughput":      m.Throughput(),
    "success":         m.Success,
  }).Info("backup completed")
}

// LogRestore emits the restore_metrics structured event (spec §4.11).
func LogRestore(log *logrus.Logger, m Metrics) {
  log.WithFields(logrus.Fields{
    "event":           "restore_metrics",
    "subvolume":       m.Subvolume,
    "kind":            m.Kind,
    "total_bytes":     m.TotalBytes,
    "elapsed_seconds": m.ElapsedSeconds,
    "throughput":      m.Throughput(),
    "success":         m.Success,
  }).Info("restore completed")
}
