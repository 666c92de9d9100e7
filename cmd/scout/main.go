package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/ipc"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "scout",
	Short:         "Personal agent runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "settings file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, ipc.ErrNotRunning) {
			fmt.Fprintln(os.Stderr, "Engine is not running. Start it with `scout serve`.")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig reads settings or exits; every command needs them.
func loadConfig() *config.Settings {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Settings) {
	var level slog.Level
	switch strings.ToLower(cfg.Engine.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// newClient returns an IPC client for the engine configured in cfgPath.
func newClient() *ipc.Client {
	cfg := loadConfig()
	return ipc.NewClient(cfg.Engine.SocketPath)
}
