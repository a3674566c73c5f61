package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/basket/go-afm/internal/config"
)

type submitOptions struct {
	taskType string
	version  int
	data     string
	taskID   string
	testID   string
	wait     time.Duration
}

func parseSubmitArgs(args []string, stderr io.Writer) (submitOptions, error) {
	var opts submitOptions
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.taskType, "type", "", "task type (required)")
	fs.IntVar(&opts.version, "version", 1, "task version")
	fs.StringVar(&opts.data, "data", "", "task data as JSON")
	fs.StringVar(&opts.taskID, "id", "", "task id (generated when empty)")
	fs.StringVar(&opts.testID, "test-id", "", "test id")
	fs.DurationVar(&opts.wait, "wait", 0, "wait for the task to finish")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.taskType == "" {
		return opts, errors.New("-type is required")
	}
	if opts.data != "" && !json.Valid([]byte(opts.data)) {
		return opts, errors.New("-data is not valid JSON")
	}
	return opts, nil
}

func runSubmitCommand(ctx context.Context, args []string) int {
	opts, err := parseSubmitArgs(args, os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		}
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	out, err := submitTask(ctx, serverURL(cfg), cfg.AdminToken, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	writeRaw(os.Stdout, out)
	return 0
}

// submitTask posts the task and, with opts.wait set, returns the task record
// once it finishes or the wait expires. Otherwise it returns the created id.
func submitTask(ctx context.Context, base, token string, opts submitOptions) ([]byte, error) {
	payload := map[string]any{
		"task_type":    opts.taskType,
		"task_version": opts.version,
	}
	if opts.data != "" {
		payload["task_data"] = json.RawMessage(opts.data)
	}
	if opts.taskID != "" {
		payload["task_id"] = opts.taskID
	}
	if opts.testID != "" {
		payload["test_id"] = opts.testID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, status, err := adminRequest(ctx, http.MethodPost, base+"/api/tasks", token, raw)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("server returned %d: %s", status, bytes.TrimSpace(body))
	}
	if opts.wait <= 0 {
		return body, nil
	}

	var created struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	waitURL := base + "/api/tasks/" + url.PathEscape(created.TaskID) + "?wait=" + url.QueryEscape(opts.wait.String())
	body, status, err = adminRequest(ctx, http.MethodGet, waitURL, token, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", status, bytes.TrimSpace(body))
	}
	return body, nil
}

func adminRequest(ctx context.Context, method, target, token string, body []byte) ([]byte, int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return out, resp.StatusCode, nil
}
