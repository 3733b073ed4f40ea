package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sergeknystautas/kioskd/internal/config"
	"github.com/sergeknystautas/kioskd/internal/kv"
	"github.com/sergeknystautas/kioskd/internal/server"
	"github.com/sergeknystautas/kioskd/internal/session"
	"github.com/sergeknystautas/kioskd/internal/task"
	"github.com/sergeknystautas/kioskd/internal/urlhistory"
)

const (
	pidFileName     = "daemon.pid"
	startedFileName = "daemon.started"
)

var (
	shutdownChan = make(chan struct{})
)

// Start starts the daemon in the background.
func Start() error {
	kioskdDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(kioskdDir, 0755); err != nil {
		return fmt.Errorf("failed to create kioskd directory: %w", err)
	}

	pidFile := filepath.Join(kioskdDir, pidFileName)

	// Check if already running
	if _, err := os.Stat(pidFile); err == nil {
		pidData, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("failed to read PID file: %w", err)
		}

		var pid int
		if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
			process, err := os.FindProcess(pid)
			if err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("daemon is already running (PID %d)", pid)
				}
			}
		}

		// Process not running, remove stale PID file
		os.Remove(pidFile)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(execPath, "daemon-run")
	cmd.Dir, _ = os.Getwd()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Wait a bit for daemon to start
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Stop stops the daemon.
func Stop() error {
	kioskdDir, err := config.ConfigDir()
	if err != nil {
		return err
	}

	pidFile := filepath.Join(kioskdDir, pidFileName)

	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon is not running")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err != nil {
		return fmt.Errorf("failed to parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// Poll for exit (process.Wait() doesn't work for non-child processes)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for daemon to stop")
}

// Status returns the status of the daemon.
func Status() (running bool, url string, startedAt string, err error) {
	kioskdDir, err := config.ConfigDir()
	if err != nil {
		return false, "", "", err
	}

	pidFile := filepath.Join(kioskdDir, pidFileName)
	startedFile := filepath.Join(kioskdDir, startedFileName)

	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", "", nil
		}
		return false, "", "", fmt.Errorf("failed to read PID file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err != nil {
		return false, "", "", fmt.Errorf("failed to parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "", "", fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, "", "", nil
	}

	cfg, err := config.Load()
	if err != nil {
		return true, "", "", nil
	}
	url = fmt.Sprintf("http://%s", cfg.GetListenAddr())
	if startedData, err := os.ReadFile(startedFile); err == nil {
		startedAt = strings.TrimSpace(string(startedData))
	}
	return true, url, startedAt, nil
}

// Run runs the daemon (this is the entry point for the daemon process).
func Run() error {
	kioskdDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(kioskdDir, 0755); err != nil {
		return fmt.Errorf("failed to create kioskd directory: %w", err)
	}

	pidFile := filepath.Join(kioskdDir, pidFileName)
	startedFile := filepath.Join(kioskdDir, startedFileName)

	pid := os.Getpid()
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	startedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if err := os.WriteFile(startedFile, []byte(startedAt+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write daemon start time: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()

	// Open the durable mirror. A failure here is fatal; per-operation
	// failures later only degrade persistence.
	adapter, err := kv.Open(ctx, cfg.GetStoragePath())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer adapter.Close()

	history := urlhistory.New(ctx, adapter)
	sessions := session.New(ctx, cfg, adapter, history)
	tasks := task.NewQueue()

	stopSessionSweeper := sessions.StartSweeper()
	defer stopSessionSweeper()
	stopTaskSweeper := tasks.StartSweeper(cfg.GetTaskCleanupInterval())
	defer stopTaskSweeper()

	// Hot-reload config edits so timeout tuning doesn't need a restart.
	if watcher := config.NewWatcher(cfg); watcher != nil {
		watcher.Start()
		defer watcher.Stop()
	}

	srv := server.NewServer(cfg, sessions, tasks, history)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	fmt.Printf("[daemon] kioskd listening on %s\n", cfg.GetListenAddr())

	select {
	case sig := <-sigChan:
		fmt.Printf("Received signal %v, shutting down...\n", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case <-shutdownChan:
		fmt.Println("Shutdown requested")
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	return nil
}

// Shutdown triggers a graceful shutdown.
func Shutdown() {
	close(shutdownChan)
}
