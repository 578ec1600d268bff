package audit

import (
	"io"
	"log"

	"github.com/natefinch/lumberjack"
)

// LogFileConfig describes a size-rotated log file.
type LogFileConfig struct {
	Path       string // File to write; rotated copies are kept next to it.
	MaxSizeMB  int    // Size that triggers a rotation.
	MaxBackups int    // Rotated files to keep (0 keeps all).
	MaxAgeDays int    // Age after which rotated files are removed (0 keeps all).
	Compress   bool   // Gzip rotated files.
}

// DefaultLogFileConfig returns the rotation settings used when only a path
// is given.
func DefaultLogFileConfig(path string) LogFileConfig {
	return LogFileConfig{
		Path:       path,
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

func (c LogFileConfig) writer() *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// NewFileLogger returns a diagnostic logger writing to a rotated file, and
// the closer releasing it. Pass the logger to WithLogger.
func NewFileLogger(cfg LogFileConfig) (*log.Logger, io.Closer) {
	w := cfg.writer()
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds), w
}

// loggerOrDefault returns l, or the standard logger when l is nil.
func loggerOrDefault(l *log.Logger) *log.Logger {
	if l == nil {
		return log.Default()
	}
	return l
}
