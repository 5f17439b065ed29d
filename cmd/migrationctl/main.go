// SPDX-License-Identifier: Apache-2.0

// migrationctl is the operator CLI for the migration engine's management
// API. It wraps the HTTP surface so phase transitions and config changes can
// be driven from a terminal or a deploy script.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	logger := newLogger()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	c := &client{
		baseURL: strings.TrimRight(envOr("MIGRATION_API_URL", "http://localhost:8080"), "/"),
		token:   os.Getenv("OPERATOR_TOKEN"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}

	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "status":
		err = c.get(ctx, "/status")
	case "phases":
		err = c.get(ctx, "/phases")
	case "check":
		err = c.get(ctx, "/phases/check-progression")
	case "progress":
		force := len(os.Args) > 2 && os.Args[2] == "--force"
		err = c.post(ctx, "/phases/progress", map[string]bool{"force": force})
	case "rollback":
		err = c.post(ctx, "/phases/rollback", nil)
	case "toggle":
		err = c.post(ctx, "/toggle", nil)
	case "increase":
		increment := 0
		if len(os.Args) > 2 {
			increment, err = strconv.Atoi(os.Args[2])
			if err != nil {
				logger.Error("increment must be a number", "got", os.Args[2])
				os.Exit(2)
			}
		}
		err = c.post(ctx, "/increase-percentage", map[string]int{"increment": increment})
	case "set-mode":
		if len(os.Args) < 3 {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		err = c.post(ctx, "/config", map[string]string{"sync_mode": os.Args[2]})
	case "test-connection":
		err = c.get(ctx, "/test-connection")
	case "events":
		path := "/events"
		if len(os.Args) > 2 {
			path += "?type=" + os.Args[2]
		}
		err = c.get(ctx, path)
	case "dead-letters":
		err = c.get(ctx, "/events/dead-letters")
	case "process-dead-letters":
		err = c.post(ctx, "/events/dead-letters/process", nil)
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *client) get(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *client) post(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *client) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// 409 means "denied transition"; the body still explains why.
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	printJSON(raw)
	return nil
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(raw)))
		return
	}
	fmt.Println(buf.String())
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `usage: migrationctl <command> [args]

commands:
  status                   show config, metrics, proxy health and phase
  phases                   list the rollout phases and the current position
  check                    evaluate the current phase's progression rule
  progress [--force]       advance one phase (force overrides the rule)
  rollback                 move one phase back
  toggle                   flip dual write on or off
  increase [n]             raise the write percentage by n (default 10)
  set-mode <sync|async>    switch the mirroring mode
  test-connection          probe the new service health endpoint
  events [type]            list recent events, optionally by type
  dead-letters             list failed deliveries
  process-dead-letters     retry failed deliveries

environment:
  MIGRATION_API_URL  management API base URL (default http://localhost:8080)
  OPERATOR_TOKEN     bearer token for control routes`)
}
