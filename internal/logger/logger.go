// Package logger configures the process-wide zerolog logger.
//
// The host speaks native messaging over stdout, so log output must never
// touch it; everything goes to a log file under the config directory.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logFile *os.File

// Init sets up the global logger writing to logPath. An empty logPath
// disables logging entirely.
func Init(debug bool, logPath string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if logPath == "" {
		log.Logger = zerolog.Nop()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logFile = f
	output := zerolog.ConsoleWriter{
		Out:        f,
		TimeFormat: time.DateTime,
		NoColor:    true,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	return nil
}

// Get returns a logger tagged with a component name. The pointer keeps the
// zerolog level methods, which have pointer receivers, chainable directly on
// the call result.
func Get(component string) *zerolog.Logger {
	l := log.With().Str("component", component).Logger()
	return &l
}

// Close closes the log file if one is open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
