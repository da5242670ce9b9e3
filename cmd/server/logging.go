package main

import (
	"io"
	"log/slog"

	"github.com/gyaneshwarpardhi/ngsisink/internal/config"
)

// newLogger builds the process logger. The level is read from level on every
// record so it can be changed while running.
func newLogger(conf config.LogConf, level *slog.LevelVar, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if conf.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
