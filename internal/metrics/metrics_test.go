package metrics

import (
  "testing"
  "time"

  "github.com/sirupsen/logrus"
  "github.com/sirupsen/logrus/hooks/test"
  "github.com/stretchr/testify/require"
)

func TestNew_clampsNegativeInputs(t *testing.T) {
  start := time.Now()
  end := start.Add(-1 * time.Second) // pathological clock skew
  m := New("data", "full", -5, start, end, true)
  require.EqualValues(t, 0, m.TotalBytes)
  require.Zero(t, m.ElapsedSeconds)
}

func TestThroughput_largestUnitUnderThousand(t *testing.T) {
  start := time.Now()
  end := start.Add(1 * time.Second)
  m := New("data", "full", 2*1024*1024, start, end, true)
  require.Equal(t, "2.0 MiB/s", m.Throughput())
}

func TestLogBackup_emitsStructuredEvent(t *testing.T) {
  log, hook := test.NewNullLogger()
  logrus.SetLevel(logrus.InfoLevel)
  m := New("data", "full", 1024, time.Now(), time.Now().Add(time.Second), true)
  LogBackup(log, m)

  require.Len(t, hook.Entries, 1)
  require.Equal(t, "backup_metrics", hook.LastEntry().Data["event"])
  require.Equal(t, "data", hook.LastEntry().Data["subvolume"])
}

func TestLogRestore_emitsStructuredEvent(t *testing.T) {
  log, hook := test.NewNullLogger()
  m := New("data", "inc", 512, time.Now(), time.Now().Add(time.Second), false)
  LogRestore(log, m)

  require.Len(t, hook.Entries, 1)
  require.Equal(t, "restore_metrics", hook.LastEntry().Data["event"])
  require.Equal(t, false, hook.LastEntry().Data["success"])
}
