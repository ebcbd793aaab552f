package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/elonfeng/ecoingest/internal/config"
)

// New builds the process logger on stderr: colored text in dev, JSON otherwise.
func New(cfg *config.Config, version, appName string) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg, version, appName)
}

func NewWithWriter(w io.Writer, cfg *config.Config, version, appName string) *slog.Logger {
	if cfg.AppEnv == "dev" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      cfg.Level(),
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.Level(),
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
	)
}
