package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/settlesim/params"
	"github.com/uhyunpark/settlesim/pkg/storage"
	"github.com/uhyunpark/settlesim/pkg/util"
)

// env is what every subcommand needs: config, a logger and the report store.
type env struct {
	cfg    params.Config
	logger *zap.Logger
	store  *storage.PebbleStore
}

func (e *env) close() {
	if e.store != nil {
		e.store.Close()
	}
	e.logger.Sync()
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envPath, logLevel string

	root := &cobra.Command{
		Use:          "settlesim",
		Short:        "Replay and verify order-match settlements",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envPath, "env", "", "path to a .env file (default ./.env)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override SETTLESIM_LOG_LEVEL")

	open := func() (*env, error) {
		cfg := params.LoadFromEnv(envPath)
		if logLevel != "" {
			cfg.Node.LogLevel = logLevel
		}
		logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
			return nil, err
		}
		store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "store"))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return &env{cfg: cfg, logger: logger, store: store}, nil
	}

	root.AddCommand(runCmd(open), verifyCmd(open), reportsCmd(open))
	return root
}
