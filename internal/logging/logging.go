// Package logging builds the application logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Level is a logrus level name. Unknown names fall back to info.
	Level string

	// File enables output to a rotated log file instead of Console.
	File string

	// Console receives output when File is empty. Defaults to stderr.
	Console io.Writer

	// MaxSizeMB, MaxBackups and MaxAgeDays tune rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a logger. Close the returned closer to flush the log file.
func New(opts Options) (*logrus.Logger, io.Closer) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if opts.File == "" {
		out := opts.Console
		if out == nil {
			out = os.Stderr
		}
		logger.SetOutput(out)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return logger, nopCloser{}
	}

	_ = os.MkdirAll(filepath.Dir(opts.File), 0o755)
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
		Compress:   true,
	}
	logger.SetOutput(rotator)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, rotator
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
