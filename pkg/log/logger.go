// Package log sets up the process-wide zerolog loggers.
package log

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

var (
	Root   zerolog.Logger
	Device zerolog.Logger
	Bench  zerolog.Logger
)

// Options for Init.
type Options struct {
	// LogLevel defaults to Info.
	LogLevel zerolog.Level
	Type     LoggerType
}

func ParseLogLevel(loglevel string) (zerolog.Level, error) {
	return zerolog.ParseLevel(strings.ToLower(loglevel))
}

func Init(opts Options) {
	switch opts.Type {
	case ConsoleLogger:
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		Root = zerolog.New(cw).Level(opts.LogLevel).
			With().Timestamp().Logger()
	default:
		Root = zerolog.New(os.Stdout).Level(opts.LogLevel).
			With().Timestamp().Logger()
	}
	Device = Root.With().Str("component", "device").Logger()
	Bench = Root.With().Str("component", "bench").Logger()
}
