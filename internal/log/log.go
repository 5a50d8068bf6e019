// Package log centralizes logger construction so every component gets a
// consistently named, consistently leveled *logging.Logger, mirroring how
// the teacher's server/internal packages each hold a `log *logging.Logger`
// obtained from a shared backend.
package log

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

var (
	backendInitOnce bool
	format          = logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
)

// Level mirrors the spec's `log_level` config values.
type Level string

const (
	Trace Level = "trace"
	Debug Level = "debug"
	Info  Level = "info"
	Warn  Level = "warn"
	Error Level = "error"
)

func toLoggingLevel(l Level) logging.Level {
	switch l {
	case Trace, Debug:
		return logging.DEBUG
	case Warn:
		return logging.WARNING
	case Error:
		return logging.ERROR
	default:
		return logging.INFO
	}
}

// Init sets the process-wide minimum log level. Call once at boot; New may
// be called before Init, in which case the default level is Info.
func Init(level Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(toLoggingLevel(level), "")
	logging.SetBackend(leveled)
	backendInitOnce = true
}

// New returns a module-scoped logger, e.g. New("gateway"), New("seqnum").
func New(module string) *logging.Logger {
	if !backendInitOnce {
		Init(Info)
	}
	return logging.MustGetLogger(module)
}
