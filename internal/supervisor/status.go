package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Status is the operator view assembled from the PID file, /proc and the
// daemon's local HTTP status endpoint.
type Status struct {
	Running     bool       `json:"running"`
	PID         int        `json:"pid,omitempty"`
	Uptime      string     `json:"uptime,omitempty"`
	MemoryRSS   string     `json:"memory_rss,omitempty"`
	NextFire    *time.Time `json:"next_fire,omitempty"`
	LastRunID   string     `json:"last_run_id,omitempty"`
	LastOutcome string     `json:"last_outcome,omitempty"`
}

// Status collects the current service status. Memory and scheduler details
// are best-effort; their absence does not fail the call.
func (s *Supervisor) Status(statusURL string) (*Status, error) {
	pid := s.ReadPID()
	if !processAlive(pid) {
		return &Status{Running: false}, ErrNotRunning
	}

	st := &Status{Running: true, PID: pid}
	if info, err := os.Stat(s.cfg.PIDFile); err == nil {
		st.Uptime = time.Since(info.ModTime()).Round(time.Second).String()
	}
	if rss, err := readRSS(pid); err == nil {
		st.MemoryRSS = rss
	}
	s.fillSchedulerStatus(statusURL, st)
	return st, nil
}

// readRSS reads VmRSS from /proc/<pid>/status.
func readRSS(pid int) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			break
		}
		return fmt.Sprintf("%.1f MB", float64(kb)/1024), nil
	}
	return "", fmt.Errorf("VmRSS not found for PID %d", pid)
}

func (s *Supervisor) fillSchedulerStatus(statusURL string, st *Status) {
	if statusURL == "" {
		return
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(statusURL + "/recurring/status")
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var payload struct {
		NextFire time.Time `json:"next_fire"`
		LastRun  *struct {
			RunID     string `json:"run_id"`
			Total     int    `json:"total"`
			Successes int    `json:"successes"`
			Failures  int    `json:"failures"`
		} `json:"last_run"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return
	}
	if !payload.NextFire.IsZero() {
		st.NextFire = &payload.NextFire
	}
	if payload.LastRun != nil {
		st.LastRunID = payload.LastRun.RunID
		st.LastOutcome = fmt.Sprintf("%d total, %d placed, %d failed",
			payload.LastRun.Total, payload.LastRun.Successes, payload.LastRun.Failures)
	}
}

// TailLogs writes the last n lines of the log sink to w, optionally
// following appended output until the process is interrupted.
func (s *Supervisor) TailLogs(w io.Writer, n int, follow bool) error {
	f, err := os.Open(s.cfg.LogFile)
	if err != nil {
		return fmt.Errorf("no log file at %s: %w", s.cfg.LogFile, err)
	}
	defer f.Close()

	lines, offset, err := lastLines(f, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	if !follow {
		return nil
	}

	for {
		time.Sleep(500 * time.Millisecond)
		info, err := os.Stat(s.cfg.LogFile)
		if err != nil {
			return nil // rotated away
		}
		if info.Size() < offset {
			offset = 0 // truncated by rotation
		}
		if info.Size() == offset {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		buf := make([]byte, info.Size()-offset)
		read, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		w.Write(buf[:read])
		offset += int64(read)
	}
}

// lastLines returns the final n lines of f plus the end-of-file offset.
func lastLines(f *os.File, n int) ([]string, int64, error) {
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, err
	}
	return lines, offset, nil
}
