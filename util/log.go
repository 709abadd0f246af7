// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Records are emitted through log/slog so that they carry structured
// levels and, on a terminal, color.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	slog    *slog.Logger
	out     io.Writer
	verbose bool
	debug   bool
}

// NewLogger returns a Logger that writes diagnostics to stderr and
// user-facing output from Print to stdout.
func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stdout, os.Stderr, verbose, debug)
}

// NewLoggerTo is like NewLogger but lets the caller choose where output
// goes; tests use it to capture what the user would see.
func NewLoggerTo(out, diag io.Writer, verbose, debug bool) *Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}

	noColor := true
	if f, ok := diag.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	handler := tint.NewHandler(diag, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	})

	return &Logger{
		slog:    slog.New(handler),
		out:     out,
		verbose: verbose || debug,
		debug:   debug,
	}
}

// Slog returns the underlying structured logger.
func (l *Logger) Slog() *slog.Logger {
	if l == nil || l.slog == nil {
		return slog.Default()
	}
	return l.slog
}

func (l *Logger) Print(f string, args ...interface{}) {
	var out io.Writer = os.Stdout
	if l != nil && l.out != nil {
		out = l.out
	}
	s := fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	if l != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	fmt.Fprint(out, s)
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l != nil && !l.debug {
		return
	}
	l.emit(slog.LevelDebug, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l != nil && !l.verbose {
		return
	}
	l.emit(slog.LevelInfo, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l.emit(slog.LevelWarn, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
	}
	l.emit(slog.LevelError, f, args...)
}

// Fatal logs the message and exits. Only commands should call it; library
// packages return errors instead.
func (l *Logger) Fatal(f string, args ...interface{}) {
	l.Error(f, args...)
	os.Exit(1)
}

func (l *Logger) emit(level slog.Level, f string, args ...interface{}) {
	// Two levels up the call stack
	_, fn, line, _ := runtime.Caller(2)
	// Last two components of the path
	src := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	msg := strings.TrimSuffix(fmt.Sprintf(f, args...), "\n")
	l.Slog().Log(context.Background(), level, msg, "src", src)
}
