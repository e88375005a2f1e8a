package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestHasJSONFlag(t *testing.T) {
	tests := []struct {
		in       []string
		wantRest []string
		wantSet  bool
	}{
		{nil, nil, false},
		{[]string{"list"}, []string{"list"}, false},
		{[]string{"list", "--json"}, []string{"list"}, true},
		{[]string{"-json", "list"}, []string{"list"}, true},
		{[]string{"--json"}, nil, true},
	}
	for _, tt := range tests {
		rest, set := hasJSONFlag(tt.in)
		if set != tt.wantSet || !reflect.DeepEqual(rest, tt.wantRest) {
			t.Errorf("hasJSONFlag(%v) = %v, %v; want %v, %v", tt.in, rest, set, tt.wantRest, tt.wantSet)
		}
	}
}

func testClient(ts *httptest.Server) *rpcClient {
	return &rpcClient{
		baseURL: ts.URL,
		token:   "test-token",
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func TestRPCClientCall_SendsAuthAndMethod(t *testing.T) {
	var gotAuth, gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotMethod = req.Method
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}))
	defer ts.Close()

	result, err := testClient(ts).call(context.Background(), "health", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotMethod != "health" {
		t.Fatalf("method = %q", gotMethod)
	}
	if !strings.Contains(string(result), `"ok":true`) {
		t.Fatalf("result = %s", result)
	}
}

func TestRPCClientCall_MapsRPCError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":1404,"message":"no such session"}}`))
	}))
	defer ts.Close()

	_, err := testClient(ts).call(context.Background(), "sessions.preview", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *rpcErrorBody
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error is %T, want *rpcErrorBody", err)
	}
	if rpcErr.Code != 1404 || rpcErr.Message != "no such session" {
		t.Fatalf("got %d %q", rpcErr.Code, rpcErr.Message)
	}
}

func TestRPCClientCall_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := testClient(ts).call(context.Background(), "health", nil)
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("err = %v, want unauthorized hint", err)
	}
}

func TestNewRPCClient_ReadsTokenFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ONI_HOME", home)
	writeFile(t, home+"/config.json5", `{"gateway":{"bindAddr":"127.0.0.1:18789"}}`)
	writeFile(t, home+"/auth.token", "file-token\n")

	client, err := newRPCClient()
	if err != nil {
		t.Fatalf("newRPCClient: %v", err)
	}
	if client.token != "file-token" {
		t.Fatalf("token = %q, want file-token", client.token)
	}
	if client.baseURL != "http://127.0.0.1:18789" {
		t.Fatalf("baseURL = %q", client.baseURL)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
