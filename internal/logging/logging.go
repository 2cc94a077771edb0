// Package logging builds the component loggers used across taskbridge.
//
// Every component logs through a stdlib *log.Logger with a bracketed
// prefix such as "[sync] ". When a log file is configured, output goes to a
// size-rotated file instead of stderr.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File is the log file path. Empty logs to Stderr.
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Tee also copies file output to Stderr.
	Tee bool

	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Factory hands out component loggers sharing one output.
type Factory struct {
	out  io.Writer
	file *lumberjack.Logger
}

// NewFactory opens the configured output. The log directory is created on
// first write by lumberjack; File is made absolute so a later chdir does not
// move it.
func NewFactory(opts Options) *Factory {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	if opts.File == "" {
		return &Factory{out: stderr}
	}

	path := opts.File
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}

	var out io.Writer = file
	if opts.Tee {
		out = io.MultiWriter(file, stderr)
	}
	return &Factory{out: out, file: file}
}

// Logger returns a logger prefixed with "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Rotate closes the current log file and starts a new one.
func (f *Factory) Rotate() error {
	if f.file == nil {
		return nil
	}
	return f.file.Rotate()
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
