package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gammadia/spotforge/cli/flags"
	"github.com/spf13/viper"
)

// Base is a bare logger without attributes, handed to the libraries
var Base = slog.New(slog.DiscardHandler)

// logger is the command line logger with default attributes
var logger = Base

// Init builds the loggers from the log flags. Logs go to stderr, stdout only
// carries results.
func Init() error {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	options := slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     logLevel,
	}

	switch format := viper.GetString(flags.LogFormat); format {
	case "json":
		Base = slog.New(slog.NewJSONHandler(os.Stderr, &options))
	case "text":
		Base = slog.New(slog.NewTextHandler(os.Stderr, &options))
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}

	logger = Base.With("component", "cli")
	return nil
}

// Proxies for slog.Logger methods

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Quiet reports whether informational logs are filtered out, leaving the
// terminal to progress spinners.
func Quiet() bool {
	return !Base.Enabled(context.Background(), slog.LevelInfo)
}
