// Package logging configures the process-wide zerolog logger.
//
// Setup installs a non-blocking sink (zerolog/diode) in front of the console
// writer and, optionally, a size-rotated file (lumberjack). The installed
// logger is the global log.Logger, so every package keeps using
// github.com/rs/zerolog/log directly. Close flushes the ring buffer and
// closes the file; it is the last step of process shutdown.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tbourn/go-finassist-backend/internal/config"
)

// stdout is the console destination; tests swap it.
var stdout io.Writer = os.Stdout

var (
	mu      sync.Mutex
	closers []io.Closer
)

// ParseLevel maps the environment level names to zerolog levels.
// Accepted values (case-insensitive): FATAL, ERROR, WARN, INFO, DEBUG,
// TRACE, ALL. WARNING is accepted as an alias for WARN; ALL enables every
// level.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "FATAL":
		return zerolog.FatalLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "INFO", "":
		return zerolog.InfoLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "TRACE", "ALL":
		return zerolog.TraceLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// SetLevel sets the global level; unknown names fall back to INFO.
func SetLevel(name string) {
	lvl, _ := ParseLevel(name)
	zerolog.SetGlobalLevel(lvl)
}

// Setup builds the sink described by cfg, installs it as the global logger
// and returns it. Calling Setup again closes the previous sink first.
func Setup(cfg config.LogConfig, env, service string) zerolog.Logger {
	Close()

	// stdout must survive Close, so hide any Close method it has.
	out := struct{ io.Writer }{stdout}
	var console io.Writer = out
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{console}
	var file *lumberjack.Logger
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, file)
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = 1000
	}
	dw := diode.NewWriter(zerolog.MultiLevelWriter(writers...), size, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
	})

	mu.Lock()
	closers = append(closers, dw)
	if file != nil {
		closers = append(closers, file)
	}
	mu.Unlock()

	SetLevel(cfg.Level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	l := zerolog.New(dw).With().
		Timestamp().
		Str("service", service).
		Str("env", strings.ToLower(env)).
		Logger()
	log.Logger = l
	return l
}

// Close flushes pending entries and releases the sink. Later entries go
// straight to stdout. It is safe to call more than once.
func Close() {
	mu.Lock()
	cs := closers
	closers = nil
	mu.Unlock()

	if len(cs) == 0 {
		return
	}
	log.Logger = zerolog.New(struct{ io.Writer }{stdout}).With().Timestamp().Logger()
	for _, c := range cs {
		_ = c.Close()
	}
}

// IsTruthy reports whether s reads as an affirmative flag value.
// Accepted values (case-insensitive): "1", "true", "yes", "y", "on".
func IsTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
