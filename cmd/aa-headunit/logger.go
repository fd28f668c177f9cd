package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/aa-headunit/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "aa-headunit")
	logging.Set(l)
	return l
}
