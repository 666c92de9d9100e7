package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/scout/internal/ipc"
)

func init() {
	rootCmd.AddCommand(stopCmd, reloadCmd)
}

// readPID reads the PID from the scout.pid file and validates the process
// exists by sending signal 0.
func readPID(dataDir string) (int, error) {
	pidPath := filepath.Join(dataDir, pidFileName)

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running engine (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running engine (process %d not found)", pid)
	}

	return pid, nil
}

func signalEngine(sig syscall.Signal) (int, error) {
	cfg := loadConfig()
	pid, err := readPID(cfg.Engine.DataDir)
	if err != nil {
		return 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return 0, fmt.Errorf("send %s: %w", sig, err)
	}
	return pid, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running engine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := signalEngine(syscall.SIGTERM)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to engine (PID %d).\n", pid)
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the running engine re-read its settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newClient().Reload(cmd.Context())
		if errors.Is(err, ipc.ErrNotRunning) {
			// Socket gone but the process may still be alive.
			pid, sigErr := signalEngine(syscall.SIGHUP)
			if sigErr != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Sent SIGHUP to engine (PID %d).\n", pid)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Settings reloaded: %d plugins, %d tools.\n", len(status.Plugins), len(status.Tools))
		return nil
	},
}
