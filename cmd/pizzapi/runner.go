package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pizzaface/pizzapi/internal/config"
	"github.com/pizzaface/pizzapi/internal/logger"
	"github.com/pizzaface/pizzapi/internal/runner"
)

func runnerCmd() *cobra.Command {
	var relayFlag string

	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Run the runner daemon on a worker host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadRunner()
			if relayFlag != "" {
				cfg.RelayURL = relayFlag
			}
			if cfg.APIKey == "" {
				return fmt.Errorf("PIZZAPI_API_KEY (or legacy PIZZAPI_RUNNER_TOKEN) is required")
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for {
				d, err := runner.New(cfg)
				if err != nil {
					return err
				}
				err = d.Run(ctx)
				if errors.Is(err, runner.ErrRestartRequested) {
					fmt.Println("restarting runner...")
					runner.WaitBeforeRestart()
					continue
				}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&relayFlag, "relay-url", "", "hub URL (default $PIZZAPI_RELAY_URL)")
	return cmd
}
