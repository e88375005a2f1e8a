package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/oni/internal/agents"
	"github.com/basket/oni/internal/channels"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/persistence"
	"github.com/basket/oni/internal/sessions"
	"github.com/basket/oni/internal/telemetry"

	"go.opentelemetry.io/otel/codes"
)

// handleRPC dispatches one JSON-RPC request. A request without an id is a
// notification: it is processed but gets no response.
func (s *Server) handleRPC(ctx context.Context, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// dispatch traces one RPC call and routes it to its handler. Span status
// mirrors the JSON-RPC outcome so failed calls stand out in traces.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	ctx, span := telemetry.StartServerSpan(ctx, "rpc."+method, telemetry.AttrRPCMethod.String(method))
	defer span.End()

	result, rpcErr := s.route(ctx, method, params)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
	}
	return result, rpcErr
}

func (s *Server) route(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "health":
		return s.rpcHealth(), nil
	case "chat.send":
		return s.rpcChatSend(ctx, params)
	case "sessions.list":
		return s.rpcSessionsList(params)
	case "sessions.preview":
		return s.rpcSessionsPreview(params)
	case "sessions.reset":
		return s.rpcSessionsReset(params)
	case "sessions.cleanup":
		return s.rpcSessionsCleanup(params)
	case "models.list":
		return s.rpcModelsList(), nil
	case "skills.list":
		return s.rpcSkillsList(), nil
	case "agent.identity":
		return s.rpcAgentIdentity(params)
	case "config.get":
		return s.rpcConfigGet(), nil
	case "config.set":
		return s.rpcConfigSet(params)
	case "channels.list":
		return s.rpcChannelsList(), nil
	case "channels.capabilities":
		return s.rpcChannelsCapabilities(params)
	case "channels.status":
		return s.rpcChannelsStatus(ctx, params)
	case "channels.resolve":
		return s.rpcChannelsResolve(ctx, params)
	case "channels.send":
		return s.rpcChannelsSend(ctx, params)
	case "pairing.list":
		return s.rpcPairingList(ctx, params)
	case "pairing.approve":
		return s.rpcPairingApprove(ctx, params)
	case "pairing.reject":
		return s.rpcPairingReject(ctx, params)
	case "devices.list":
		return s.rpcDevicesList(ctx)
	case "devices.approve":
		return s.rpcDevicesApprove(ctx, params)
	case "devices.reject":
		return s.rpcDevicesReject(ctx, params)
	case "devices.rotate":
		return s.rpcDevicesRotate(ctx, params)
	case "devices.revoke":
		return s.rpcDevicesRevoke(ctx, params)
	case "devices.clear":
		return s.rpcDevicesClear(ctx, params)
	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
	}
}

func (s *Server) rpcHealth() any {
	cfg := s.cfg.Configs.Current()
	return map[string]any{
		"healthy":     true,
		"config_hash": cfg.Fingerprint(),
		"channels":    s.cfg.Registry.IDs(),
		"agents":      len(cfg.Agents.List),
		"uptime_s":    int64(time.Since(s.start).Seconds()),
		"version":     s.cfg.Version,
		"time_unix":   time.Now().Unix(),
	}
}

// rpcChatSend runs one agent turn. The session key is held for the duration
// so concurrent turns on the same conversation serialize instead of
// interleaving their transcript writes.
func (s *Server) rpcChatSend(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		AgentID    string `json:"agentId"`
		SessionKey string `json:"sessionKey"`
		Context    string `json:"context"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil || strings.TrimSpace(p.Text) == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "text is required"}
	}
	if s.cfg.Runner == nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "no agent runner attached"}
	}

	key := p.SessionKey
	if key == "" {
		if p.AgentID == "" || p.Context == "" {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "sessionKey or agentId+context required"}
		}
		key = agents.SessionKey(p.AgentID, p.Context)
	}
	agentID := agents.ResolveFallbackAgentID(p.AgentID, key)
	if agentID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("cannot resolve agent from session key %q", key)}
	}

	release := s.locks.Acquire(key)
	defer release()

	reply, model, err := s.cfg.Runner.Run(ctx, agentID, key, p.Text)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}

	cfg := s.cfg.Configs.Current()
	store, err := sessions.Open(sessions.StorePath(cfg.HomeDir, agentID), agentID)
	if err == nil {
		if _, err := store.Touch(key, agentID, model, time.Now()); err != nil {
			s.logger.Warn("session touch failed", "key", key, "error", err)
		}
	} else {
		s.logger.Warn("session store unreadable, turn not recorded", "agent", agentID, "error", err)
	}

	return map[string]any{
		"sessionKey": key,
		"agentId":    agentID,
		"model":      model,
		"reply":      reply,
	}, nil
}

func (s *Server) sessionStores(agentID string) ([]*sessions.Store, error) {
	home := s.cfg.Configs.Current().HomeDir
	if agentID != "" {
		store, err := sessions.Open(sessions.StorePath(home, agentID), agentID)
		if err != nil {
			return nil, err
		}
		return []*sessions.Store{store}, nil
	}
	paths, err := filepath.Glob(filepath.Join(sessions.Dir(home), "*.json"))
	if err != nil {
		return nil, err
	}
	var out []*sessions.Store
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), ".json")
		store, err := sessions.Open(path, id)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", filepath.Base(path), err)
		}
		out = append(out, store)
	}
	return out, nil
}

func (s *Server) rpcSessionsList(params json.RawMessage) (any, *rpcError) {
	var p struct {
		AgentID string `json:"agentId"`
		Limit   int    `json:"limit"`
	}
	_ = json.Unmarshal(params, &p)
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}

	stores, err := s.sessionStores(p.AgentID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	var records []sessions.Record
	for _, store := range stores {
		records = append(records, store.List()...)
	}
	// Newest first across all stores.
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	if len(records) > p.Limit {
		records = records[:p.Limit]
	}
	return map[string]any{"sessions": records, "count": len(records)}, nil
}

func (s *Server) rpcSessionsPreview(params json.RawMessage) (any, *rpcError) {
	var p struct {
		Key     string `json:"key"`
		AgentID string `json:"agentId"`
		Lines   int    `json:"lines"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "key is required"}
	}
	if p.Lines <= 0 || p.Lines > 200 {
		p.Lines = 20
	}

	agentID := agents.ResolveFallbackAgentID(p.AgentID, p.Key)
	if agentID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("cannot resolve agent from session key %q", p.Key)}
	}
	home := s.cfg.Configs.Current().HomeDir
	store, err := sessions.Open(sessions.StorePath(home, agentID), agentID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	rec, ok := store.Get(p.Key)
	if !ok {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no session %q", p.Key)}
	}

	var tail []string
	if rec.TranscriptPath != "" {
		if data, err := os.ReadFile(rec.TranscriptPath); err == nil {
			lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			if len(lines) > p.Lines {
				lines = lines[len(lines)-p.Lines:]
			}
			tail = lines
		}
	}
	return map[string]any{"session": rec, "transcript": tail}, nil
}

func (s *Server) rpcSessionsReset(params json.RawMessage) (any, *rpcError) {
	var p struct {
		Key     string `json:"key"`
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "key is required"}
	}
	agentID := agents.ResolveFallbackAgentID(p.AgentID, p.Key)
	if agentID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: fmt.Sprintf("cannot resolve agent from session key %q", p.Key)}
	}

	release := s.locks.Acquire(p.Key)
	defer release()

	home := s.cfg.Configs.Current().HomeDir
	store, err := sessions.Open(sessions.StorePath(home, agentID), agentID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	_, existed := store.Get(p.Key)
	if err := store.Delete(p.Key); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"key": p.Key, "agentId": agentID, "removed": existed}, nil
}

func (s *Server) rpcSessionsCleanup(params json.RawMessage) (any, *rpcError) {
	var p struct {
		Mode       string `json:"mode"`
		Enforce    bool   `json:"enforce"`
		DryRun     bool   `json:"dryRun"`
		ActiveKey  string `json:"activeKey"`
		StorePath  string `json:"storePath"`
		AgentID    string `json:"agentId"`
		AllAgents  bool   `json:"allAgents"`
		MaxAgeDays int    `json:"maxAgeDays"`
		MaxEntries int    `json:"maxEntries"`
	}
	_ = json.Unmarshal(params, &p)

	cfg := s.cfg.Configs.Current()
	if p.Mode == "" {
		p.Mode = cfg.Sessions.Mode
	}
	if p.MaxAgeDays <= 0 {
		p.MaxAgeDays = cfg.Sessions.MaxAgeDays
	}
	if p.MaxEntries <= 0 {
		p.MaxEntries = cfg.Sessions.MaxEntries
	}

	summary, err := sessions.Cleanup(sessions.CleanupOptions{
		HomeDir:    cfg.HomeDir,
		Mode:       p.Mode,
		Enforce:    p.Enforce,
		DryRun:     p.DryRun,
		ActiveKey:  p.ActiveKey,
		StorePath:  p.StorePath,
		AgentID:    p.AgentID,
		AllAgents:  p.AllAgents,
		MaxAge:     time.Duration(p.MaxAgeDays) * 24 * time.Hour,
		MaxEntries: p.MaxEntries,
	})
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return summary, nil
}

func (s *Server) rpcModelsList() any {
	cfg := s.cfg.Configs.Current()
	perAgent := make(map[string]agents.ModelChain, len(cfg.Agents.List))
	for _, a := range cfg.Agents.List {
		perAgent[a.ID] = agents.EffectiveModelChain(cfg, a.ID)
	}
	return map[string]any{
		"available": agents.AvailableModels(cfg),
		"agents":    perAgent,
	}
}

func (s *Server) rpcSkillsList() any {
	return map[string]any{"skills": s.cfg.Configs.Current().Skills}
}

func (s *Server) rpcAgentIdentity(params json.RawMessage) (any, *rpcError) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "agentId is required"}
	}
	cfg := s.cfg.Configs.Current()
	identity, ok := agents.ResolveIdentity(cfg, p.AgentID)
	if !ok {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no agent %q", p.AgentID)}
	}
	return map[string]any{
		"identity": identity,
		"model":    agents.EffectiveModelChain(cfg, p.AgentID),
	}, nil
}

// rpcConfigGet returns the active tree with secrets redacted.
func (s *Server) rpcConfigGet() any {
	cfg := s.cfg.Configs.Current().Clone()
	if cfg.Gateway.AuthToken != "" {
		cfg.Gateway.AuthToken = "<redacted>"
	}
	return map[string]any{
		"config":      cfg,
		"config_hash": s.cfg.Configs.Current().Fingerprint(),
	}
}

// rpcConfigSet upserts one channel account through the adapter's Setup
// capability and reports what changed.
func (s *Server) rpcConfigSet(params json.RawMessage) (any, *rpcError) {
	var p struct {
		ChannelID      string            `json:"channelId"`
		AccountID      string            `json:"accountId"`
		Enabled        *bool             `json:"enabled"`
		CredentialsRef *string           `json:"credentialsRef"`
		AllowFrom      *config.AllowList `json:"allowFrom"`
		GroupPolicy    *string           `json:"groupPolicy"`
		DefaultTo      *string           `json:"defaultTo"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ChannelID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "channelId is required"}
	}
	adapter, ok := s.cfg.Registry.Get(p.ChannelID)
	if !ok || adapter.Setup == nil {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no configurable channel %q", p.ChannelID)}
	}

	input := config.AccountInput{
		Enabled:        p.Enabled,
		CredentialsRef: p.CredentialsRef,
		AllowFrom:      p.AllowFrom,
		GroupPolicy:    p.GroupPolicy,
		DefaultTo:      p.DefaultTo,
	}
	if problem := adapter.Setup.ValidateInput(input); problem != "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: problem}
	}

	current := s.cfg.Configs.Current()
	before := current.Fingerprint()
	next, err := adapter.Setup.ApplyAccountConfig(current, p.AccountID, input)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	if err := s.cfg.Configs.Replace(next); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}

	account, _ := next.ResolveAccount(p.ChannelID, p.AccountID)
	var description any
	if adapter.Config != nil {
		description = adapter.Config.DescribeAccount(account)
	}
	return map[string]any{
		"channelId":   p.ChannelID,
		"accountId":   account.AccountID,
		"account":     description,
		"hash_before": before,
		"hash_after":  next.Fingerprint(),
		"changed":     before != next.Fingerprint(),
	}, nil
}

func (s *Server) rpcChannelsList() any {
	cfg := s.cfg.Configs.Current()
	adapters := s.cfg.Registry.List()
	items := make([]map[string]any, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, map[string]any{
			"channelId":    a.ID,
			"label":        a.Label,
			"deliveryMode": a.DeliveryMode,
			"capabilities": a.Capabilities(),
			"accounts":     cfg.ListAccountIDs(a.ID),
		})
	}
	return map[string]any{"channels": items}
}

func (s *Server) rpcChannelsCapabilities(params json.RawMessage) (any, *rpcError) {
	var p struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ChannelID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "channelId is required"}
	}
	adapter, ok := s.cfg.Registry.Get(p.ChannelID)
	if !ok {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("unknown channel %q", p.ChannelID)}
	}
	return map[string]any{
		"channelId":    adapter.ID,
		"deliveryMode": adapter.DeliveryMode,
		"capabilities": adapter.Capabilities(),
	}, nil
}

func (s *Server) rpcChannelsStatus(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ChannelID string `json:"channelId"`
		Probe     bool   `json:"probe"`
		TimeoutMS int    `json:"timeoutMs"`
	}
	_ = json.Unmarshal(params, &p)
	timeout := 5 * time.Second
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	cfg := s.cfg.Configs.Current()
	var snapshots []channels.AccountSnapshot
	var issues []channels.StatusIssue
	for _, adapter := range s.cfg.Registry.List() {
		if p.ChannelID != "" && adapter.ID != p.ChannelID {
			continue
		}
		if adapter.Status == nil {
			continue
		}
		var channelSnaps []channels.AccountSnapshot
		for _, accountID := range cfg.ListAccountIDs(adapter.ID) {
			account, ok := cfg.ResolveAccount(adapter.ID, accountID)
			if !ok {
				continue
			}
			var runtime channels.RuntimeState
			if s.cfg.Runtime != nil {
				runtime = s.cfg.Runtime(adapter.ID, accountID)
			}
			var probe *channels.ProbeResult
			var audit *channels.AuditResult
			if p.Probe {
				pr := adapter.Status.ProbeAccount(ctx, account, timeout)
				probe = &pr
				ar := adapter.Status.AuditAccount(ctx, account, pr)
				audit = &ar
			}
			channelSnaps = append(channelSnaps, adapter.Status.BuildAccountSnapshot(account, runtime, probe, audit))
		}
		issues = append(issues, adapter.Status.CollectStatusIssues(channelSnaps)...)
		snapshots = append(snapshots, channelSnaps...)
	}
	return map[string]any{"accounts": snapshots, "issues": issues}, nil
}

func (s *Server) rpcChannelsResolve(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ChannelID string `json:"channelId"`
		AccountID string `json:"accountId"`
		Query     string `json:"query"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ChannelID == "" || p.Query == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "channelId and query are required"}
	}
	adapter, ok := s.cfg.Registry.Get(p.ChannelID)
	if !ok || adapter.Resolver == nil {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("channel %q cannot resolve handles", p.ChannelID)}
	}
	cfg := s.cfg.Configs.Current()
	account, ok := cfg.ResolveAccount(p.ChannelID, p.AccountID)
	if !ok {
		return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no account %q on channel %s", p.AccountID, p.ChannelID)}
	}
	target, err := adapter.Resolver.ResolveHandle(ctx, account, p.Query)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return map[string]any{"query": p.Query, "target": target}, nil
}

func (s *Server) rpcChannelsSend(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ChannelID string         `json:"channelId"`
		AccountID string         `json:"accountId"`
		To        string         `json:"to"`
		Text      string         `json:"text"`
		MediaURL  string         `json:"mediaUrl"`
		Poll      *channels.Poll `json:"poll"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ChannelID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "channelId is required"}
	}
	if s.cfg.Router == nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "no outbound router attached"}
	}
	result, err := s.cfg.Router.Send(ctx, s.cfg.Configs.Current(), p.ChannelID, p.AccountID, p.To, channels.Payload{
		Text:     p.Text,
		MediaURL: p.MediaURL,
		Poll:     p.Poll,
	})
	if err != nil {
		code := ErrCodeInternal
		var sendErr *channels.SendError
		if errors.As(err, &sendErr) && (sendErr.Code == channels.ErrCodeInvalidTarget || sendErr.Code == channels.ErrCodeUnsupported) {
			code = ErrCodeInvalid
		}
		return nil, &rpcError{Code: code, Message: err.Error()}
	}
	return map[string]any{"messageIds": result.MessageIDs, "chunks": result.Chunks}, nil
}

func (s *Server) rpcPairingList(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ChannelID string `json:"channelId"`
	}
	_ = json.Unmarshal(params, &p)
	reqs, err := s.cfg.Pairing.List(ctx, p.ChannelID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"requests": reqs, "count": len(reqs)}, nil
}

func (s *Server) rpcPairingApprove(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "requestId is required"}
	}
	req, err := s.cfg.Pairing.Approve(ctx, p.RequestID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no pairing request %q", p.RequestID)}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"approved": true, "request": req}, nil
}

func (s *Server) rpcPairingReject(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "requestId is required"}
	}
	req, err := s.cfg.Pairing.Reject(ctx, p.RequestID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no pairing request %q", p.RequestID)}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"rejected": true, "request": req}, nil
}

func (s *Server) rpcDevicesList(ctx context.Context) (any, *rpcError) {
	devices, err := s.cfg.Pairing.ListDevices(ctx)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"devices": devices, "count": len(devices)}, nil
}

func (s *Server) rpcDevicesApprove(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		DeviceID    string   `json:"deviceId"`
		Role        string   `json:"role"`
		Scopes      []string `json:"scopes"`
		DisplayName string   `json:"displayName"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" || p.Role == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "deviceId and role are required"}
	}
	device, token, err := s.cfg.Pairing.ApproveDevice(ctx, p.DeviceID, p.Role, p.Scopes, p.DisplayName)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	// The plaintext token appears here exactly once; only its hash is stored.
	return map[string]any{"device": device, "token": token}, nil
}

// rpcDevicesReject discards a pending pairing request without issuing a
// token or touching any allowlist. Device and sender requests share the
// pending queue.
func (s *Server) rpcDevicesReject(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "requestId is required"}
	}
	req, err := s.cfg.Pairing.Reject(ctx, p.RequestID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no pairing request %s", p.RequestID)}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"rejected": req}, nil
}

func (s *Server) rpcDevicesRotate(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		DeviceID string `json:"deviceId"`
		Role     string `json:"role"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" || p.Role == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "deviceId and role are required"}
	}
	token, err := s.cfg.Pairing.RotateDevice(ctx, p.DeviceID, p.Role)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no device %s/%s", p.DeviceID, p.Role)}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"deviceId": p.DeviceID, "role": p.Role, "token": token}, nil
}

func (s *Server) rpcDevicesRevoke(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		DeviceID string `json:"deviceId"`
		Role     string `json:"role"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" || p.Role == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "deviceId and role are required"}
	}
	if err := s.cfg.Pairing.RevokeDevice(ctx, p.DeviceID, p.Role); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no device %s/%s", p.DeviceID, p.Role)}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"deviceId": p.DeviceID, "role": p.Role, "revoked": true}, nil
}

func (s *Server) rpcDevicesClear(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Confirm bool `json:"confirm"`
	}
	_ = json.Unmarshal(params, &p)
	count, err := s.cfg.Pairing.ClearDevices(ctx, p.Confirm)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeDenied, Message: err.Error()}
	}
	return map[string]any{"cleared": count}, nil
}
