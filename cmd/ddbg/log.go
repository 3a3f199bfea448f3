package main

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logConfig struct {
	Level     string
	LogFormat string
	LogFile   string
}

// InitLogger builds the process logger. Logs go to stderr so they never
// mix with the command protocol on stdout.
func InitLogger(config logConfig) (zerolog.Logger, error) {
	level := zerolog.WarnLevel
	if config.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "invalid log level %q", config.Level)
		}
	}

	var logWriter io.Writer
	switch config.LogFormat {
	case "json":
		logWriter = os.Stderr
	case "text", "":
		logWriter = zerolog.ConsoleWriter{
			Out:     os.Stderr,
			NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
		}
	default:
		return zerolog.Nop(), errors.Errorf("invalid log format %q", config.LogFormat)
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	logger := zerolog.New(logWriter).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}
