package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/go-afm/internal/config"
	"github.com/basket/go-afm/internal/persistence"
	"github.com/mattn/go-isatty"
)

type healthReport struct {
	Healthy       bool                      `json:"healthy"`
	DBOK          bool                      `json:"db_ok"`
	ConfigHash    string                    `json:"config_hash"`
	AutoCleanup   bool                      `json:"auto_cleanup"`
	Queue         []persistence.TaskSummary `json:"queue"`
	StreamClients int64                     `json:"stream_clients"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: afm status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, serverURL(cfg)+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		var report healthReport
		if err := json.Unmarshal(body, &report); err == nil {
			printHealth(os.Stdout, report)
		} else {
			writeRaw(os.Stdout, body)
		}
	} else {
		writeRaw(os.Stdout, body)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func writeRaw(w io.Writer, body []byte) {
	_, _ = w.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = w.Write([]byte("\n"))
	}
}

// printHealth renders the health report as a short table for terminals.
func printHealth(w io.Writer, r healthReport) {
	state := "healthy"
	if !r.Healthy {
		state = "UNHEALTHY"
	}
	fmt.Fprintf(w, "afm %s (config %s, auto_cleanup=%t, stream clients=%d)\n",
		state, r.ConfigHash, r.AutoCleanup, r.StreamClients)
	if len(r.Queue) == 0 {
		fmt.Fprintln(w, "queue empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tVERSION\tQUEUED\tPROCESSING")
	for _, q := range r.Queue {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", q.Type, q.Version, q.Queued, q.Processing)
	}
	_ = tw.Flush()
}
