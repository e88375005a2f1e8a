// Package gateway exposes the control surface: a JSON-RPC 2.0 protocol
// served over WebSocket and plain HTTP POST, plus a health endpoint.
//
// The CLI and every remote client speak the same method set; there is no
// CLI-only side door.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/oni/internal/bus"
	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/pairing"
	"github.com/basket/oni/internal/persistence"
	"github.com/basket/oni/internal/sessions"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid  = 1000
	ErrCodeNotFound = 1404
	ErrCodeDenied   = 1403
)

// ConfigStore provides the live config tree and atomically replaces it.
type ConfigStore interface {
	Current() *config.Config
	Replace(*config.Config) error
}

// AgentRunner executes one conversational turn. The gateway never talks to a
// model itself; the runner is the collaborator boundary.
type AgentRunner interface {
	Run(ctx context.Context, agentID, sessionKey, text string) (reply string, model string, err error)
}

// RuntimeStates reports live account connection state, keyed by
// "<channelId>/<accountId>". A nil func means no lifecycle manager is
// attached (e.g. in tests).
type RuntimeStates func(channelID, accountID string) channels.RuntimeState

type Config struct {
	Store    *persistence.Store
	Configs  ConfigStore
	Registry *channels.Registry
	Router   *channels.Router
	Pairing  *pairing.Service
	Runner   AgentRunner
	Bus      *bus.Bus
	Runtime  RuntimeStates
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	locks  *sessions.KeyLocks
	start  time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		locks:   sessions.NewKeyLocks(),
		clients: map[*client]struct{}{},
		start:   time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/rpc", s.handleHTTPRPC)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Configs.Current()
	payload := map[string]any{
		"healthy":     true,
		"config_hash": cfg.Fingerprint(),
		"channels":    s.cfg.Registry.IDs(),
		"uptime_s":    int64(time.Since(s.start).Seconds()),
		"version":     s.cfg.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// authorize checks the bearer token. A gateway with no token configured
// refuses everything except /healthz; an open control surface is never the
// default.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Configs.Current().Gateway.AuthToken
	if token == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return presented != "" && presented == token
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowOrigins entry.
		OriginPatterns: s.cfg.Configs.Current().Gateway.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

// handleHTTPRPC serves one JSON-RPC call per POST. It exists so the CLI and
// scripts can hit the gateway without a WebSocket dance.
func (s *Server) handleHTTPRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		_ = json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
		})
		return
	}
	resp := s.handleRPC(r.Context(), req)
	if resp == nil {
		// Notification; acknowledge with an empty body.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// Broadcast pushes a notification to every connected WS client.
func (s *Server) Broadcast(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Error("ws: broadcast write error", "method", method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}
