// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

// Package main provides the CLI entrypoint for xapisyncd: a daemon that
// drains the offline xAPI statement queue to a record store, plus
// maintenance commands for inspecting the queue and resurrecting
// dead-lettered statements.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "xapisyncd",
	Short: "Offline-first xAPI statement queue and sync daemon",
	Long: `xapisyncd durably queues learning-activity statements while a device is
offline and synchronizes them with a remote record store once connectivity
returns, resolving conflicts between local and server-held statements.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./xapisyncd.yaml)")
	rootCmd.PersistentFlags().String("store", "xapisync.db", "path to the local statement database")
	rootCmd.PersistentFlags().String("endpoint", "", "base URL of the record store")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id to operate on")

	viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))
	viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(deadletterCmd)
}

// initConfig layers the config file and XAPISYNC_* environment variables
// under the flags.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xapisyncd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("XAPISYNC")
	viper.AutomaticEnv()

	viper.SetDefault("batch_size", 50)
	viper.SetDefault("interval", "30s")
	viper.SetDefault("lease", "90s")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil // Config file is optional when not named explicitly.
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// newLogger builds the daemon logger: stderr by default, or a rotating file
// when log.file is configured.
func newLogger() *slog.Logger {
	var w io.Writer = os.Stderr
	if file := viper.GetString("log.file"); file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	switch viper.GetString("log.level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func requireSettings(keys ...string) error {
	for _, key := range keys {
		if viper.GetString(key) == "" {
			return fmt.Errorf("%s must be set (flag, config file, or XAPISYNC_%s)", key, envKey(key))
		}
	}
	return nil
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
