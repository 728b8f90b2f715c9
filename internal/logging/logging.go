// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
	// Output is "stdout", "stderr" or "console" (human readable on stderr).
	Output     string `yaml:"output"`
	TimeFormat string `yaml:"time_format"`
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// Init replaces log.Logger. Extra writers receive the same JSON lines as
// the primary output.
func Init(cfg Config, extra ...io.Writer) error {
	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	default:
		return fmt.Errorf("unknown log output %q", cfg.Output)
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	if len(extra) > 0 {
		out = zerolog.MultiLevelWriter(append([]io.Writer{out}, extra...)...)
	}

	log.Logger = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
	return nil
}

func SetDebug(debug bool) {
	if debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}
}

func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
