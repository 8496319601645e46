package eventbus

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger in dev mode and a JSON logger otherwise.
func NewLogger(devMode bool, level zerolog.Level) zerolog.Logger {
	var logger zerolog.Logger
	if devMode {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(consoleWriter).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return logger.Level(level)
}
