package logging

import (
  "testing"

  "github.com/sirupsen/logrus"
  "github.com/stretchr/testify/require"
)

func TestNew_mapsEachConfiguredLevel(t *testing.T) {
  cases := map[string]logrus.Level{
    "debug":    logrus.DebugLevel,
    "info":     logrus.InfoLevel,
    "warning":  logrus.WarnLevel,
    "error":    logrus.ErrorLevel,
    "critical": logrus.FatalLevel,
    "DEBUG":    logrus.DebugLevel,
  }
  for level, want := range cases {
    log, err := New(level)
    require.NoError(t, err)
    require.Equal(t, want, log.GetLevel())
  }
}

func TestNew_rejectsUnknownLevel(t *testing.T) {
  _, err := New("verbose")
  require.Error(t, err)
}
