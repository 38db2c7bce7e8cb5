// Package logging routes the standard logger to stderr or a rotating file.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/natefinch/lumberjack"
)

// Config contains log output configuration.
type Config struct {
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	// Stderr also copies log lines to stderr when File is set.
	Stderr bool
}

// Setup points the standard logger at the configured output. The returned
// closer releases the log file; it is a no-op for stderr.
func Setup(cfg Config) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	l := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB, // megabytes
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
	}
	var out io.Writer = l
	if cfg.Stderr {
		out = io.MultiWriter(l, os.Stderr)
	}
	log.SetOutput(out)
	log.Printf("[Logging] writing log to %s", cfg.File)
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
