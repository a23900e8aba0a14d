// This file implements the daemon entry point and its lifecycle helpers.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanqueue/internal/daemon"
)

const (
	serverStopTimeout = 30 * time.Second
	serverStopPoll    = 200 * time.Millisecond
)

var (
	serverPIDFile string
	serverHost    string
	serverPort    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scanqueue daemon in the foreground",
	Long: `Run the scanqueue daemon: the API server, the dispatcher workers and
the sweeper. The daemon stops on SIGINT or SIGTERM and dumps its status to
the log on SIGUSR1.`,
	Example: `  scanqueue serve --config /etc/scanqueue/config.yaml
  scanqueue serve --port 9090 --pid-file /run/scanqueue.pid`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Inspect or stop a running daemon",
	Example: `  scanqueue server status
  scanqueue server stop`,
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon process and API health",
	Args:  cobra.NoArgs,
	RunE:  runServerStatus,
}

var serverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon recorded in the PID file",
	Args:  cobra.NoArgs,
	RunE:  runServerStop,
}

func init() {
	serveCmd.Flags().StringVar(&serverHost, "host", "", "API listen address (overrides config)")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "API port (overrides config)")
	serveCmd.Flags().StringVar(&serverPIDFile, "pid-file", "", "PID file (overrides config)")
	serverCmd.PersistentFlags().StringVar(&serverPIDFile, "pid-file", "", "PID file (overrides config)")

	serverCmd.AddCommand(serverStatusCmd, serverStopCmd)
	rootCmd.AddCommand(serveCmd, serverCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverPIDFile != "" {
		cfg.Daemon.PIDFile = serverPIDFile
	}
	if serverHost != "" {
		cfg.API.ListenAddr = serverHost
	}
	if serverPort != 0 {
		cfg.API.Port = serverPort
	}

	d := daemon.New(cfg, version)
	fmt.Fprintf(cmd.ErrOrStderr(), "Starting scanqueue %s on %s\n", version, cfg.GetAPIAddress())
	if cfg.IsAPIEnabled() {
		fmt.Fprintf(cmd.ErrOrStderr(), "API documentation: http://%s/swagger/\n", cfg.GetAPIAddress())
	}
	return d.Start()
}

// pidFromFile resolves the PID file from the flag or config and reads it.
func pidFromFile() (int, string, error) {
	path := serverPIDFile
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return 0, "", err
		}
		path = cfg.Daemon.PIDFile
	}
	if path == "" {
		return 0, "", errors.New("no PID file configured; pass --pid-file")
	}

	// #nosec G304 - path comes from the operator's config or flag
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, path, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, path, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, path, nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func runServerStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	pid, path, err := pidFromFile()
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(out, "Process: not running (no PID file at %s)\n", path)
	case err != nil:
		return err
	case processAlive(pid):
		fmt.Fprintf(out, "Process: running (PID %d)\n", pid)
	default:
		fmt.Fprintf(out, "Process: not running (stale PID file, PID %d)\n", pid)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	health, err := client.Health(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "API:     unreachable (%v)\n", err)
		return nil
	}
	return render(out, health, func(w io.Writer) {
		fmt.Fprintf(w, "API:     %s (uptime %s)\n", health.Status, health.Uptime)
		fmt.Fprintf(w, "Queue:   %d queued, %d dead letters\n", health.QueueDepth, health.DLQSize)
		for name, status := range health.Checks {
			fmt.Fprintf(w, "  %-10s %s\n", name, status)
		}
	})
}

func runServerStop(cmd *cobra.Command, _ []string) error {
	pid, path, err := pidFromFile()
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon is not running (no PID file at %s)\n", path)
		return nil
	}
	if err != nil {
		return err
	}
	if !processAlive(pid) {
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon is not running (stale PID %d)\n", pid)
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(serverStopTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon stopped (PID %d)\n", pid)
			return nil
		}
		time.Sleep(serverStopPoll)
	}
	return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, serverStopTimeout)
}
