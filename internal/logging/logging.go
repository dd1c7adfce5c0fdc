// Package logging builds the prefixed loggers used across the mediator.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skubridge/skubridge/internal/config"
)

// New returns a logger with the given bracketed prefix, writing to stderr
// and, when cfg.File is set, to a size-rotated log file as well.
func New(prefix string, cfg config.Log) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}
	return log.New(out, prefix, log.LstdFlags)
}
