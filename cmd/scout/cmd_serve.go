package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/engine"
	"github.com/user/scout/internal/ipc"
	"github.com/user/scout/internal/plugins"
)

const pidFileName = "scout.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scout engine",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.Engine.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if pid, err := readPID(cfg.Engine.DataDir); err == nil {
		return fmt.Errorf("engine already running (PID %d)", pid)
	}

	pidPath, err := writePIDFile(cfg.Engine.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	eng, err := engine.New(engine.Options{
		Settings:     cfg,
		SettingsPath: cfgPath,
		Catalog:      plugins.Catalog(),
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	server := ipc.NewServer(eng)
	if err := server.Listen(cfg.Engine.SocketPath); err != nil {
		eng.Shutdown(ctx)
		return fmt.Errorf("start ipc server: %w", err)
	}

	status := eng.Status()
	slog.Info("scout started",
		"data_dir", cfg.Engine.DataDir,
		"log_level", cfg.Engine.LogLevel,
		"max_concurrent", cfg.Engine.MaxConcurrent,
		"socket", cfg.Engine.SocketPath,
		"plugins", len(status.Plugins),
		"tools", len(status.Tools),
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, reloading settings")
			reloadSettings(ctx, eng)
			continue
		}

		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		if err := server.Close(shutdownCtx); err != nil {
			slog.Warn("ipc server close failed", "error", err)
		}
		err := eng.Shutdown(shutdownCtx)
		stop()
		return err
	}
}

func reloadSettings(ctx context.Context, eng *engine.Engine) {
	next, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to reload settings", "error", err)
		return
	}
	if err := eng.UpdateSettings(ctx, next); err != nil {
		slog.Error("settings applied with errors", "error", err)
		return
	}
	slog.Info("settings reloaded", "plugins", len(eng.Status().Plugins))
}
