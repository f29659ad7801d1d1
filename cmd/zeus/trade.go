package main

import (
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"zeus/config"
	"zeus/internal/metrics"
	"zeus/internal/trader"
	"zeus/logger"
)

var (
	traderName   string
	traderConfig string
)

// tradeCmd represents the trade command
var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Run a trader against the configured exchanges",
	Long: `Trade loads the trader configuration, opens one session per instrument
group and keeps every session connected until interrupted.

The prometheus trader records every frame it receives to the configured
output path and, when enabled, uploads parquet batches to S3.`,
	RunE: runTrade,
}

func init() {
	tradeCmd.Flags().StringVarP(&traderName, "trader_name", "n", "", "trader to run ("+strings.Join(trader.Names(), ", ")+")")
	tradeCmd.Flags().StringVarP(&traderConfig, "trader_config", "c", "", "path to the trader configuration file")
	_ = tradeCmd.MarkFlagRequired("trader_name")
	_ = tradeCmd.MarkFlagRequired("trader_config")
	rootCmd.AddCommand(tradeCmd)
}

func runTrade(cmd *cobra.Command, _ []string) error {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Error loading .env file")
	}

	cfg, err := config.LoadConfig(traderConfig)
	if err != nil {
		log.WithError(err).WithField("path", traderConfig).Error("Failed to load configuration")
		return err
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return err
	}

	log.WithFields(logger.Fields{
		"trader":      traderName,
		"config":      traderConfig,
		"instruments": len(cfg.Trader.Instrument),
		"shards":      len(cfg.Trader.Shards),
		"log_level":   cfg.Logging.Level,
		"env":         cfg.CloudWatch.Environment,
	}).Info("starting zeus")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, err := trader.New(traderName, cfg, trader.Options{})
	if err != nil {
		log.WithError(err).Error("Failed to create trader")
		return err
	}

	metrics.InitCloudWatch(ctx, cfg.CloudWatch)
	defer metrics.StopCloudWatch()

	if err := t.Run(ctx); err != nil {
		log.WithError(err).Error("trader stopped with error")
		return err
	}
	log.Info("zeus stopped")
	return nil
}
