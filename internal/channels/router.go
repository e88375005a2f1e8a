package channels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/oni/internal/bus"
	"github.com/basket/oni/internal/config"
	"github.com/basket/oni/internal/persistence"
	"github.com/basket/oni/internal/telemetry"

	"go.opentelemetry.io/otel/codes"
)

// Router dispatches outbound payloads to the adapter matching the target
// channel, honoring provider constants (chunk limit, poll option cap) before
// any send call.
type Router struct {
	registry *Registry
	store    *persistence.Store // delivery log; may be nil
	bus      *bus.Bus           // may be nil
	logger   *slog.Logger
}

func NewRouter(registry *Registry, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, store: store, bus: eventBus, logger: logger}
}

// Send routes one payload. An empty target falls back to the account's
// defaultTo. Failures come back as *SendError; the router records the
// outcome either way.
func (r *Router) Send(ctx context.Context, cfg *config.Config, channelID, accountID, target string, payload Payload) (SendResult, error) {
	ctx, span := telemetry.StartClientSpan(ctx, "channel.send",
		telemetry.AttrChannelID.String(channelID),
		telemetry.AttrAccountID.String(accountID))
	defer span.End()

	result, err := r.send(ctx, cfg, channelID, accountID, target, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (r *Router) send(ctx context.Context, cfg *config.Config, channelID, accountID, target string, payload Payload) (SendResult, error) {
	adapter, ok := r.registry.Get(channelID)
	if !ok {
		return SendResult{}, &SendError{Code: ErrCodeUnsupported, Err: fmt.Errorf("unknown channel %q", channelID)}
	}
	if adapter.Outbound == nil {
		return SendResult{}, &SendError{Code: ErrCodeUnsupported, Err: fmt.Errorf("channel %s has no outbound capability", channelID)}
	}

	account, ok := cfg.ResolveAccount(channelID, accountID)
	if !ok {
		return SendResult{}, &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("no account %q on channel %s", accountID, channelID)}
	}
	if !account.IsEnabled() {
		return SendResult{}, &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("account %s/%s is disabled", channelID, account.AccountID)}
	}

	if target == "" {
		target = account.DefaultTo
	}
	if target == "" {
		return SendResult{}, &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("no target given and account %s/%s has no defaultTo", channelID, account.AccountID)}
	}
	resolved, err := adapter.Outbound.ResolveTarget(account, target)
	if err != nil {
		r.record(ctx, account, target, SendResult{}, err)
		return SendResult{}, err
	}

	result, err := r.dispatch(ctx, adapter, account, resolved, payload)
	r.record(ctx, account, resolved, result, err)
	return result, err
}

func (r *Router) dispatch(ctx context.Context, adapter *Adapter, account config.ChannelAccount, target string, payload Payload) (SendResult, error) {
	out := adapter.Outbound
	switch {
	case payload.Poll != nil:
		poll := *payload.Poll
		poll.Options = ClampPollOptions(poll.Options, out.PollMaxOptions())
		if len(poll.Options) < 2 {
			return SendResult{}, &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("poll needs at least 2 options")}
		}
		return out.SendPoll(ctx, account, target, poll)

	case payload.MediaURL != "":
		return out.SendMedia(ctx, account, target, payload.Text, payload.MediaURL)

	default:
		chunks := ChunkText(payload.Text, out.TextChunkLimit())
		if len(chunks) == 0 {
			return SendResult{}, &SendError{Code: ErrCodeInvalidTarget, Err: fmt.Errorf("empty payload")}
		}
		var combined SendResult
		for _, chunk := range chunks {
			res, err := out.SendText(ctx, account, target, chunk)
			if err != nil {
				// Partial delivery: report what went out before the failure.
				return combined, err
			}
			combined.MessageIDs = append(combined.MessageIDs, res.MessageIDs...)
			combined.Chunks++
		}
		return combined, nil
	}
}

func (r *Router) record(ctx context.Context, account config.ChannelAccount, target string, result SendResult, sendErr error) {
	status := persistence.DeliverySent
	errText := ""
	retryable := false
	if sendErr != nil {
		status = persistence.DeliveryFailed
		errText = sendErr.Error()
		if se, ok := sendErr.(*SendError); ok {
			retryable = se.Retryable
		}
	}

	if r.store != nil {
		messageID := ""
		if len(result.MessageIDs) > 0 {
			messageID = result.MessageIDs[0]
		}
		rec := persistence.DeliveryRecord{
			ChannelID: account.ChannelID,
			AccountID: account.AccountID,
			Target:    target,
			MessageID: messageID,
			Status:    status,
			Error:     errText,
			Retryable: retryable,
		}
		if err := r.store.RecordDelivery(ctx, rec); err != nil {
			r.logger.Warn("delivery log write failed", "channel", account.ChannelID, "error", err)
		}
	}

	if r.bus != nil {
		topic := bus.TopicDeliverySent
		if sendErr != nil {
			topic = bus.TopicDeliveryFailed
		}
		providerID := ""
		if len(result.MessageIDs) > 0 {
			providerID = result.MessageIDs[0]
		}
		r.bus.Publish(topic, bus.DeliveryEvent{
			ChannelID:  account.ChannelID,
			AccountID:  account.AccountID,
			Target:     target,
			ProviderID: providerID,
			Chunks:     result.Chunks,
			Error:      errText,
		})
	}

	if sendErr != nil {
		r.logger.Warn("outbound delivery failed",
			"channel", account.ChannelID, "account", account.AccountID,
			"target", target, "error", sendErr)
	} else {
		r.logger.Debug("outbound delivery sent",
			"channel", account.ChannelID, "account", account.AccountID,
			"target", target, "chunks", result.Chunks)
	}
}
