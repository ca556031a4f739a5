// Package cli implements the client side of the switchboard command:
// fetching broker state over the HTTP API and rendering it.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusOptions configures the status command.
type StatusOptions struct {
	ServerURL string
	Limit     int
}

// Health mirrors the broker's /health response.
type Health struct {
	OK          bool     `json:"ok"`
	Workers     int      `json:"workers"`
	QueueLength int      `json:"queue_length"`
	JobsTotal   int      `json:"jobs_total"`
	Sessions    int      `json:"sessions"`
	Videos      []string `json:"videos"`
}

// JobStatus represents one job from the broker's history API.
type JobStatus struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Filename  string    `json:"filename"`
	State     string    `json:"state"`
	WorkerID  *string   `json:"worker_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Live      bool      `json:"live"`
	Position  int       `json:"position"`
}

// Report is a point-in-time view of a running broker.
type Report struct {
	Health Health      `json:"health"`
	Jobs   []JobStatus `json:"jobs"`
}

// Status fetches a broker's health and recent jobs.
func Status(opts StatusOptions) (*Report, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimSuffix(opts.ServerURL, "/")

	var report Report
	if err := fetchJSON(client, base+"/health", &report.Health); err != nil {
		return nil, err
	}

	var jobs struct {
		Jobs []JobStatus `json:"jobs"`
	}
	if err := fetchJSON(client, fmt.Sprintf("%s/jobs?limit=%d", base, opts.Limit), &jobs); err != nil {
		return nil, err
	}
	report.Jobs = jobs.Jobs

	return &report, nil
}

func fetchJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Render writes the report to w. On a terminal it draws an aligned table
// with state symbols; piped output is the raw JSON so scripts can parse it.
func Render(w io.Writer, report *Report, tty bool) error {
	if !tty {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	h := report.Health
	fmt.Fprintf(w, "workers: %d   queue: %d   jobs: %d   sessions: %d   videos: %d\n",
		h.Workers, h.QueueLength, h.JobsTotal, h.Sessions, len(h.Videos))

	if len(report.Jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return nil
	}

	fmt.Fprintln(w)
	for _, j := range report.Jobs {
		worker := "-"
		if j.WorkerID != nil && *j.WorkerID != "" {
			worker = shortID(*j.WorkerID)
		}
		pos := "-"
		if j.Live && j.Position >= 0 {
			pos = fmt.Sprintf("#%d", j.Position)
		}
		fmt.Fprintf(w, "%s %-9s %-10s %-18s %-8s %-6s %s\n",
			StateSymbol(j.State), j.State, shortID(j.ID), j.Filename,
			worker, pos, RelativeTime(j.CreatedAt))
	}
	return nil
}

// shortID truncates the 32-char hex ids for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatDuration formats a duration nicely.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// RelativeTime formats a time as relative to now.
func RelativeTime(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

// StateSymbol returns a terminal-friendly symbol for a job state.
func StateSymbol(state string) string {
	switch state {
	case "done":
		return "\033[32m✓\033[0m" // green check
	case "assigned", "answered":
		return "\033[33m●\033[0m" // yellow dot
	case "queued":
		return "\033[90m○\033[0m" // gray circle
	case "stopping":
		return "\033[90m⊘\033[0m" // gray cancel
	default:
		return "?"
	}
}
