package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. Usable before Init with a
	// plain stderr console writer.
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// ContainerLogFile, when set, receives a copy of every event carrying
	// one of the container lifecycle topics (see FileTopics). The file is
	// rotated once it exceeds ContainerLogMaxBytes.
	ContainerLogFile     string
	ContainerLogMaxBytes int64
}

// FileTopics are the topics mirrored into the container log file.
var FileTopics = map[string]bool{
	"manager": true,
	"service": true,
}

// Init initializes the global logger
func Init(cfg Config) error {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var console io.Writer
	if cfg.JSONOutput {
		console = output
	} else {
		console = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	if cfg.ContainerLogFile != "" {
		sink, err := newTopicFileWriter(cfg.ContainerLogFile, cfg.ContainerLogMaxBytes)
		if err != nil {
			return err
		}
		Logger = zerolog.New(zerolog.MultiLevelWriter(console, sink)).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(console).With().Timestamp().Logger()
	}

	return nil
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTopic creates a child logger with topic field; topic-tagged events are
// mirrored to the container log file when one is configured.
func WithTopic(topic string) zerolog.Logger {
	return Logger.With().Str("topic", topic).Logger()
}

// WithHostname creates a child logger scoped to one container.
func WithHostname(hostname string) zerolog.Logger {
	return Logger.With().Str("hostname", hostname).Logger()
}
