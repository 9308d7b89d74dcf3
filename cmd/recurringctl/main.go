// Package main is the service control CLI: start, stop, status, restart,
// logs and manual execution for the recurring orders daemon.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/config"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/supervisor"
)

// Exit codes of the supervisor surface.
const (
	exitOK             = 0
	exitFailure        = 1
	exitMisconfig      = 2
	exitAlreadyRunning = 3
	exitNotRunning     = 4
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: recurringctl [-config path] <command>

Commands:
  start                 start the service in the background
  stop                  stop the service
  restart               stop then start
  status                report service status
  logs [-follow] [-lines N]
                        show the service log
  execute [-frequency F]
                        trigger a recurring-orders run now
`)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// The hidden supervising-loop invocation re-enters here after detach.
	if supervisor.IsSuperviseInvocation(args) {
		return runSupervise(args[1:])
	}

	fs := flag.NewFlagSet("recurringctl", flag.ExitOnError)
	fs.Usage = usage
	configPath := fs.String("config", "config/config.yaml", "Path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if fs.NArg() < 1 {
		usage()
		return exitFailure
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitMisconfig
	}

	sup := supervisor.New(cfg.Service, daemonPath(), []string{"-config", *configPath})
	statusURL := "http://" + cfg.ListenAddr()

	switch cmd := fs.Arg(0); cmd {
	case "start":
		return cmdStart(sup, *configPath)
	case "stop":
		return cmdStop(sup)
	case "restart":
		if code := cmdStopQuiet(sup); code == exitFailure {
			return code
		}
		return cmdStart(sup, *configPath)
	case "status":
		return cmdStatus(sup, statusURL)
	case "logs":
		return cmdLogs(sup, fs.Args()[1:])
	case "execute":
		return cmdExecute(statusURL, fs.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", cmd)
		usage()
		return exitFailure
	}
}

// daemonPath locates the recurringd binary next to our own.
func daemonPath() string {
	self, err := os.Executable()
	if err != nil {
		return "recurringd"
	}
	candidate := filepath.Join(filepath.Dir(self), "recurringd")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return "recurringd"
}

func runSupervise(args []string) int {
	fs := flag.NewFlagSet("supervise", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "Path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitMisconfig
	}

	sup := supervisor.New(cfg.Service, daemonPath(), []string{"-config", *configPath})
	if err := sup.RunLoop(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	return exitOK
}

func cmdStart(sup *supervisor.Supervisor, configPath string) int {
	switch err := sup.Start("-config", configPath); {
	case err == supervisor.ErrAlreadyRunning:
		fmt.Println("Service is already running")
		return exitAlreadyRunning
	case err != nil:
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return exitFailure
	default:
		fmt.Printf("Service started (PID %d)\n", sup.ReadPID())
		return exitOK
	}
}

func cmdStop(sup *supervisor.Supervisor) int {
	switch err := sup.Stop(); {
	case err == supervisor.ErrNotRunning:
		fmt.Println("Service is not running")
		return exitNotRunning
	case err != nil:
		fmt.Fprintf(os.Stderr, "Failed to stop: %v\n", err)
		return exitFailure
	default:
		fmt.Println("Service stopped")
		return exitOK
	}
}

// cmdStopQuiet is stop for restart: not-running is fine.
func cmdStopQuiet(sup *supervisor.Supervisor) int {
	if err := sup.Stop(); err != nil && err != supervisor.ErrNotRunning {
		fmt.Fprintf(os.Stderr, "Failed to stop: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func cmdStatus(sup *supervisor.Supervisor, statusURL string) int {
	st, err := sup.Status(statusURL)
	if err == supervisor.ErrNotRunning {
		fmt.Println("Service is NOT running")
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read status: %v\n", err)
		return exitFailure
	}

	fmt.Printf("Service is running (PID %d)\n", st.PID)
	if st.Uptime != "" {
		fmt.Printf("  Uptime:   %s\n", st.Uptime)
	}
	if st.MemoryRSS != "" {
		fmt.Printf("  Memory:   %s\n", st.MemoryRSS)
	}
	if st.NextFire != nil {
		fmt.Printf("  Next run: %s\n", st.NextFire.Format(time.RFC1123))
	}
	if st.LastOutcome != "" {
		fmt.Printf("  Last run: %s (%s)\n", st.LastOutcome, st.LastRunID)
	}
	return exitOK
}

func cmdLogs(sup *supervisor.Supervisor, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	follow := fs.Bool("follow", false, "Follow appended output")
	lines := fs.Int("lines", 50, "Number of trailing lines to show")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	if err := sup.TailLogs(os.Stdout, *lines, *follow); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	return exitOK
}

func cmdExecute(statusURL string, args []string) int {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	frequency := fs.String("frequency", "", "Limit the run to one frequency (daily, weekly, monthly)")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	payload := map[string]any{"manual": true}
	if *frequency != "" {
		payload["frequency"] = *frequency
	}
	raw, _ := json.Marshal(payload)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(statusURL+"/recurring/execute", "application/json", bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service unreachable: %v\n", err)
		return exitFailure
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Write(body)
	}
	fmt.Println(pretty.String())

	if resp.StatusCode != http.StatusOK {
		return exitFailure
	}
	return exitOK
}
