package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/oni/internal/config"
)

// rpcClient is the CLI side of the gateway protocol: every subcommand that
// touches daemon state goes through /rpc with the same methods remote
// clients use.
type rpcClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newRPCClient() (*rpcClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	token := cfg.Gateway.AuthToken
	if token == "" {
		if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, "auth.token")); err == nil {
			token = strings.TrimSpace(string(b))
		}
	}
	addr := strings.TrimSpace(cfg.Gateway.BindAddr)
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &rpcClient{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcErrorBody) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *rpcClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s (is it running?): %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("unauthorized: check gateway.authToken or %s/auth.token", config.HomeDir())
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("daemon: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcErrorBody   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}

// callAndRender runs one RPC and prints the result: raw JSON with --json or
// when stdout is not a terminal, indented JSON otherwise.
func callAndRender(ctx context.Context, method string, params any, jsonOut bool) int {
	client, err := newRPCClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	result, err := client.call(ctx, method, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return renderJSON(result, jsonOut)
}

func renderJSON(result json.RawMessage, compact bool) int {
	if compact || !isatty.IsTerminal(os.Stdout.Fd()) {
		_, _ = os.Stdout.Write(result)
		fmt.Println()
		return 0
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		_, _ = os.Stdout.Write(result)
		fmt.Println()
		return 0
	}
	fmt.Println(buf.String())
	return 0
}

// hasJSONFlag strips --json/-json from args and reports whether it was set.
func hasJSONFlag(args []string) ([]string, bool) {
	var rest []string
	found := false
	for _, a := range args {
		if a == "--json" || a == "-json" {
			found = true
			continue
		}
		rest = append(rest, a)
	}
	return rest, found
}
