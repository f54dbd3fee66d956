// Package logging configures the process-wide structured logger. Components
// that log take the *logrus.Logger from their caller rather than reaching
// for a global,
// following the "no dynamic dispatch, no global mutable state" rule.
package logging

import (
  "fmt"
  "os"
  "strings"

  "github.com/sirupsen/logrus"
)

// levels mirrors config.py's log-level enum, mapped onto logrus levels.
// "critical" has no direct logrus equivalent and is treated as Fatal-severity
// logging (logrus.FatalLevel), matching the original's use of the stdlib
// `logging.CRITICAL` constant purely as a filter threshold, never to abort.
var levels = map[string]logrus.Level{
  "debug":    logrus.DebugLevel,
  "info":     logrus.InfoLevel,
  "warning":  logrus.WarnLevel,
  "error":    logrus.ErrorLevel,
  "critical": logrus.FatalLevel,
}

// New builds a logger at the given level, writing to stderr so stdout stays
// free for any machine-readable output a caller pipes elsewhere.
func New(level string) (*logrus.Logger, error) {
  lvl, ok := levels[strings.ToLower(level)]
  if !ok { return nil, fmt.Errorf("unknown log level: %s", level) }
  log := logrus.New()
  log.SetOutput(os.Stderr)
  log.SetLevel(lvl)
  log.SetFormatter(&logrus.TextFormatter{ FullTimestamp: true })
  return log, nil
}
