package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/oni/internal/config"
)

// Invoker executes one model call. The gateway never speaks a model protocol
// itself; implementations are the agent collaborator (a subprocess, a local
// daemon, a remote endpoint).
type Invoker interface {
	Invoke(ctx context.Context, model, agentID, sessionKey, text string) (string, error)
}

// ErrNoModel means the agent resolved to an empty model chain.
var ErrNoModel = errors.New("agent has no model configured")

// ChainRunner walks an agent's effective model chain: the primary first, then
// each fallback in order, stopping at the first model that answers. A model
// that fails is skipped for this turn only; the chain is re-resolved from the
// live config on every turn.
type ChainRunner struct {
	cfg     func() *config.Config
	invoker Invoker
	logger  *slog.Logger
}

func NewChainRunner(currentConfig func() *config.Config, invoker Invoker, logger *slog.Logger) *ChainRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainRunner{cfg: currentConfig, invoker: invoker, logger: logger}
}

// Run executes one turn and reports which model served it.
func (r *ChainRunner) Run(ctx context.Context, agentID, sessionKey, text string) (string, string, error) {
	cfg := r.cfg()
	if _, ok := cfg.AgentByID(agentID); !ok {
		return "", "", fmt.Errorf("unknown agent %q", agentID)
	}
	chain := EffectiveModelChain(cfg, agentID)
	models := make([]string, 0, 1+len(chain.Fallbacks))
	if chain.Primary != "" {
		models = append(models, chain.Primary)
	}
	models = append(models, chain.Fallbacks...)
	if len(models) == 0 {
		return "", "", fmt.Errorf("agent %s: %w", agentID, ErrNoModel)
	}

	var errs []error
	for _, model := range models {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		reply, err := r.invoker.Invoke(ctx, model, agentID, sessionKey, text)
		if err == nil {
			return reply, model, nil
		}
		r.logger.Warn("model invocation failed, trying next in chain",
			"agent", agentID, "model", model, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
	}
	return "", "", fmt.Errorf("all models in chain failed for agent %s: %w", agentID, errors.Join(errs...))
}
