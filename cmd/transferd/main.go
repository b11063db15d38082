package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "transferd",
		Short:         "Transfer saga orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath, listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (POST /transfers)",
		Long: `Start the transfer orchestrator.

Configuration: defaults, then the YAML file given by --config, then
TRANSFER_* environment variables (e.g. TRANSFER_RATELIMIT_LIMIT=10).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath, listen)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func setMaxProcs(logger *slog.Logger) {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("could not set GOMAXPROCS", "error", err)
	}
}
