package app

import (
	"os"

	"github.com/rs/zerolog"
)

// InitLogger builds the root logger. dev gets colored console output, other
// environments get JSON lines.
func InitLogger(levelStr string, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if environment != "dev" {
		return zerolog.New(os.Stdout).With().
			Timestamp().
			Str("app", "bundler").
			Logger()
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
	}

	return zerolog.New(output).With().
		Timestamp().
		Logger()
}
