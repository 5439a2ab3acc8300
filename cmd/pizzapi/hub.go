package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pizzaface/pizzapi/internal/config"
	"github.com/pizzaface/pizzapi/internal/hub"
	"github.com/pizzaface/pizzapi/internal/logger"
)

func hubCmd() *cobra.Command {
	var addrFlag string
	var dataDirFlag string

	cmd := &cobra.Command{
		Use:     "hub",
		Aliases: []string{"serve"},
		Short:   "Run the session relay hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadHub()
			if addrFlag != "" {
				cfg.Addr = addrFlag
			}
			if dataDirFlag != "" {
				cfg.DataDir = dataDirFlag
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}

			store, err := hub.OpenStore(cfg.DBPath())
			if err != nil {
				return fmt.Errorf("open hub store: %w", err)
			}
			defer store.Close()

			srv, err := hub.NewServer(store, cfg)
			if err != nil {
				return err
			}

			httpSrv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				fmt.Printf("pizzapi hub listening on %s\n", cfg.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Println("shutting down...")
				return srv.GracefulShutdown(httpSrv, 15*time.Second)
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default $PIZZAPI_ADDR or :8080)")
	cmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default $PIZZAPI_DATA_DIR)")
	return cmd
}
