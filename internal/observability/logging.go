package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects level and optional rotating file output.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	File  string `toml:"file"`  // empty = stdout only
}

// NewLogger creates a structured JSON logger for one component.
// Level comes from TROVE_LOG_LEVEL (default info). When TROVE_LOG_FILE is
// set, output is duplicated into a size-rotated file.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWith(component, LogConfig{
		Level: os.Getenv("TROVE_LOG_LEVEL"),
		File:  os.Getenv("TROVE_LOG_FILE"),
	})
}

// NewLoggerWith creates a component logger from explicit settings.
func NewLoggerWith(component string, cfg LogConfig) zerolog.Logger {
	return zerolog.New(logOutput(cfg.File)).
		Level(ParseLogLevel(cfg.Level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// rotating files are shared by every component logger
var (
	fileMu      sync.Mutex
	fileWriters = map[string]io.Writer{}
)

func logOutput(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	fileMu.Lock()
	defer fileMu.Unlock()
	w, ok := fileWriters[path]
	if !ok {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		fileWriters[path] = w
	}
	return zerolog.MultiLevelWriter(os.Stdout, w)
}

// ParseLogLevel maps a level name to zerolog, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
