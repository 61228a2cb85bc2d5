// Command lucad serves the library chat API.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	// Set up structured logging
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:          "lucad",
		Short:        "Retrieval-augmented chat service for the library sites",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), askCmd(), hashPasswordCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
