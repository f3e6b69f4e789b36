package internal

import (
	"errors"
	"io"
	"log/slog"

	"github.com/starford/rhizocam/internal/queue"
)

var errConfigRequired = errors.New("config is required")

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	logger *slog.Logger
	source queue.Source
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger replaces the JSON stdout logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}

// WithSource replaces the S3I message source, skipping secret resolution.
func WithSource(s queue.Source) Option {
	return func(a *application) {
		a.source = s
	}
}

// newApplication applies opts. Without WithLogger, logs go to out as JSON.
func newApplication(opts []Option, out io.Writer) (*application, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, errConfigRequired
	}
	if app.logger == nil {
		app.logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: app.config.App.LogLevel,
		}))
		slog.SetDefault(app.logger)
	}
	return app, nil
}
