// Package logging builds the *log.Logger instances handed to component configs.
//
// Every component logs through a standard library logger with a bracketed
// prefix ("[engine] ", "[outbox] "). A Sink decides where those loggers
// write: stderr by default, or a size-rotated file when a path is configured.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure a Sink.
type Options struct {
	// File is the log file path. Empty logs to stderr.
	File string

	// MaxSizeMB rotates the file once it reaches this size (default: 10)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int

	// MaxAgeDays deletes rotated files older than this (default: 7)
	MaxAgeDays int

	// Compress gzips rotated files
	Compress bool

	// Quiet discards all output
	Quiet bool
}

// Sink is a shared destination for component loggers.
type Sink struct {
	w      io.Writer
	closer io.Closer

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// Open creates a sink for opts. File sinks create the parent directory.
func Open(opts Options) (*Sink, error) {
	s := &Sink{loggers: make(map[string]*log.Logger)}
	switch {
	case opts.Quiet:
		s.w = io.Discard
	case opts.File == "":
		s.w = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
			Compress:   opts.Compress,
		}
		s.w = lj
		s.closer = lj
	}
	return s, nil
}

// Logger returns the logger for component, creating it on first use. The
// prefix is "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.loggers[component]; ok {
		return l
	}
	l := log.New(s.w, "["+component+"] ", log.LstdFlags)
	s.loggers[component] = l
	return l
}

// Writer returns the sink's destination.
func (s *Sink) Writer() io.Writer { return s.w }

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// New returns a stderr logger with the bracketed prefix for component.
func New(component string) *log.Logger {
	return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
