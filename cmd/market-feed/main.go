package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/YaganovValera/market-feed/internal/app"
	"github.com/YaganovValera/market-feed/internal/config"
	"github.com/YaganovValera/market-feed/pkg/logger"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		envFile     string
		printConfig bool
	)

	root := &cobra.Command{
		Use:           "market-feed",
		Short:         "Streams Polymarket market-channel updates from a WebSocket feed",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 1. Конфиг
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config error: %v\n", err)
				return err
			}
			if printConfig {
				if err := cfg.Print(cmd.OutOrStdout()); err != nil {
					fmt.Fprintf(os.Stderr, "failed to print config: %v\n", err)
				}
			}

			// 2. Логгер
			log, err := logger.New(cfg.Logging)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
				return err
			}
			defer log.Sync()

			// 3. Контекст с отменой по сигналам
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Sugar().Infow("starting service",
				"service.name", cfg.ServiceName,
				"service.version", cfg.ServiceVersion,
				"endpoint", cfg.WebSocket.URL,
			)

			// 4. Одна сессия фида
			if err := app.Run(ctx, cfg, log); err != nil {
				log.Sugar().Errorw("application exited with error", "error", err)
				return err
			}
			log.Sugar().Infow("shutdown complete")
			return nil
		},
	}

	bindFlags(root.Flags(), &configPath, &envFile, &printConfig)
	return root
}

func bindFlags(fs *pflag.FlagSet, configPath, envFile *string, printConfig *bool) {
	fs.StringVarP(configPath, "config", "c", "", "path to YAML config file (optional)")
	fs.StringVar(envFile, "env-file", ".env", "path to dotenv file, ignored when missing")
	fs.BoolVar(printConfig, "print-config", false, "print the effective configuration (secrets masked)")
}
