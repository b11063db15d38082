// stub-services sobe, num único processo, os cinco serviços dos quais o
// transferd depende (users, accounts, fund transfers, transactions,
// notifications), com dados de um seed YAML e falhas injetáveis.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"transfer-saga/stub"

	"github.com/spf13/cobra"
)

func main() {
	var (
		listen   string
		seedPath string
		faults   map[string]string
		delays   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "stub-services",
		Short: "Run the downstream services used by transferd",
		Long: `Run users, accounts, fund transfers, transactions and notifications
on a single listener.

Examples:
  stub-services --listen :8081 --seed seed.yaml
  stub-services --fault fundtransfer=503 --delay user=2s`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(listen, seedPath, faults, delays)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8081", "listen address")
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML seed file (default: two users with one account each)")
	cmd.Flags().StringToStringVar(&faults, "fault", nil, "service=status to fail every call (e.g. account=503)")
	cmd.Flags().StringToStringVar(&delays, "delay", nil, "service=duration to delay every call (e.g. user=2s)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(listen, seedPath string, faults, delays map[string]string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	seed := stub.DefaultSeed()
	if seedPath != "" {
		var err error
		if seed, err = stub.LoadSeedFile(seedPath); err != nil {
			return err
		}
	}
	store, err := stub.NewStore()
	if err != nil {
		return err
	}
	if err := seed.Apply(store); err != nil {
		return err
	}

	srv := stub.NewServer(store, logger)
	if err := applyFaults(srv, faults, delays); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("stub services listening", "addr", listen, "users", len(seed.Users), "accounts", len(seed.Accounts))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func applyFaults(srv *stub.Server, faults, delays map[string]string) error {
	merged := map[string]stub.Fault{}
	for service, raw := range faults {
		status, err := strconv.Atoi(raw)
		if err != nil || status < 400 || status > 599 {
			return fmt.Errorf("--fault %s=%s: status must be 4xx or 5xx", service, raw)
		}
		f := merged[service]
		f.Status = status
		merged[service] = f
	}
	for service, raw := range delays {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("--delay %s=%s: %w", service, raw, err)
		}
		f := merged[service]
		f.Delay = d
		merged[service] = f
	}
	for service, f := range merged {
		srv.SetFault(service, f)
	}
	return nil
}
