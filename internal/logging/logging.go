// Package logging wires up the structured logger shared by every
// component of the pipeline manager. Every log line carries field
// context (job name, run id, ...) rather than being interpolated into
// a free-form message, so a pipeline's logs stay machine-parseable the
// way the state-store records are.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logger that writes structured (JSON) entries to stdout.
// debug selects the Debug level and verbose the Info level; with
// neither set only Warn and Error entries are written.
func New(verbose, debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	log.SetOutput(os.Stdout)

	switch {
	case debug:
		log.SetLevel(logrus.DebugLevel)
	case verbose:
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// Discard returns a logger that writes nowhere, for tests that do not
// want to assert on log output.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(noopWriter{})
	return log
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
