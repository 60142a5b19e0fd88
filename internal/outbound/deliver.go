package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawroute/internal/bus"
	"github.com/nextlevelbuilder/clawroute/internal/channels"
	"github.com/nextlevelbuilder/clawroute/internal/config"
	"github.com/nextlevelbuilder/clawroute/internal/outbound/queue"
	"github.com/nextlevelbuilder/clawroute/internal/sessions"
)

// DeliverRequest is one logical outbound reply: a destination plus the
// payloads produced for it.
type DeliverRequest struct {
	Channel   string
	To        string
	AccountID string
	AgentID   string
	Payloads  []Payload
	// Mirror overrides the config default for transcript mirroring.
	Mirror *bool
	// FromSessionKey marks content forwarded out of another session;
	// it drives cross-context decoration.
	FromSessionKey string
	// SkipCrossContextDecoration suppresses the forwarded-from framing.
	// Set for direct tool invocations, where decoration is noise.
	SkipCrossContextDecoration bool
}

// DeliveryResult reports one payload's delivery.
type DeliveryResult struct {
	Channel    string   `json:"channel"`
	AccountID  string   `json:"accountId"`
	To         string   `json:"to"`
	SessionKey string   `json:"sessionKey,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
	Chunks     int      `json:"chunks"`
}

// DispatcherOptions are the optional collaborators of a Dispatcher.
type DispatcherOptions struct {
	Sessions    sessions.Store
	Transcripts *sessions.TranscriptWriter
	Hooks       *Hooks
	Bus         bus.Publisher
}

// Dispatcher drives the per-chunk delivery protocol: durably enqueue,
// send through the adapter, then ack or fail. Chunk order within one
// payload is strict; no chunk is retried implicitly.
type Dispatcher struct {
	cfg      *config.Config
	registry *channels.Registry
	queue    *queue.Queue

	store       sessions.Store
	transcripts *sessions.TranscriptWriter
	hooks       *Hooks
	bus         bus.Publisher
	tracer      trace.Tracer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher builds a dispatcher over the given registry and queue.
func NewDispatcher(cfg *config.Config, registry *channels.Registry, q *queue.Queue, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		registry:    registry,
		queue:       q,
		store:       opts.Sessions,
		transcripts: opts.Transcripts,
		hooks:       opts.Hooks,
		bus:         opts.Bus,
		tracer:      otel.Tracer("clawroute/outbound"),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Deliver normalizes, chunks, and sends payloads to a single destination,
// returning one result per surviving payload. On failure the error is a
// *DeliveryError naming the failed step; chunks acked before the failure
// are not rolled back.
func (d *Dispatcher) Deliver(ctx context.Context, req DeliverRequest) ([]DeliveryResult, error) {
	ctx, span := d.tracer.Start(ctx, "outbound.deliver", trace.WithAttributes(
		attribute.String("channel", req.Channel),
		attribute.String("account_id", req.AccountID),
	))
	defer span.End()

	results, err := d.deliver(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.publishFailure(req, err)
	}
	return results, err
}

// publishFailure broadcasts a message.failed event so subscribers see
// deliveries that never completed, with the failed step when known.
func (d *Dispatcher) publishFailure(req DeliverRequest, err error) {
	if d.bus == nil {
		return
	}
	payload := bus.MessageFailedPayload{
		Channel:   req.Channel,
		AccountID: req.AccountID,
		To:        req.To,
		Error:     err.Error(),
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		payload.Step = de.Step
	}
	d.bus.Broadcast(bus.Event{Name: bus.EventMessageFailed, Payload: payload})
}

func (d *Dispatcher) deliver(ctx context.Context, req DeliverRequest) ([]DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, abortError(ctx, StepResolveChannel)
	}

	plugin, ok := d.registry.Get(req.Channel)
	if !ok {
		return nil, newError(KindResolution, StepResolveChannel, fmt.Errorf("unknown channel %q", req.Channel))
	}
	if plugin.Outbound == nil {
		return nil, newError(KindValidation, StepResolveChannel, channels.NotSupported(req.Channel, "outbound"))
	}

	payloads := NormalizePayloads(req.Payloads)
	if len(payloads) == 0 {
		return nil, newError(KindValidation, StepNormalize, fmt.Errorf("no deliverable content"))
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = plugin.DefaultAccountID(d.cfg)
	}
	if plugin.Config != nil && plugin.Config.ResolveAccount != nil {
		if _, err := plugin.Config.ResolveAccount(d.cfg, accountID); err != nil {
			return nil, newError(KindResolution, StepResolveAccount, err)
		}
	}

	target, err := d.resolveTarget(ctx, plugin, req, accountID)
	if err != nil {
		return nil, err
	}

	// The outbound session is confirmed before mirroring so transcript
	// history lands in the session this target actually maps to. Failure
	// here only disables mirroring, never the delivery.
	sessionKey := ""
	route, routeErr := ResolveOutboundSession(d.cfg, req.Channel, accountID, req.AgentID, target)
	if routeErr == nil {
		sessionKey = route.SessionKey
	} else {
		slog.Warn("outbound session resolution failed", "channel", req.Channel, "error", routeErr)
	}

	d.decorate(plugin, payloads, req)

	var results []DeliveryResult
	for _, p := range payloads {
		res, err := d.deliverPayload(ctx, plugin, p, target, accountID, sessionKey, req.Channel)
		if err != nil {
			d.recordAbort(ctx, sessionKey, err)
			return results, err
		}
		results = append(results, res)
	}

	d.afterDelivery(ctx, req, accountID, target, sessionKey, payloads, results)
	return results, nil
}

func (d *Dispatcher) resolveTarget(ctx context.Context, plugin *channels.Plugin, req DeliverRequest, accountID string) (channels.ResolvedTarget, error) {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return channels.ResolvedTarget{}, newError(KindValidation, StepResolveTarget, fmt.Errorf("empty target"))
	}
	if plugin.Outbound.ResolveTarget == nil {
		return channels.ResolvedTarget{To: to}, nil
	}

	var allowFrom []string
	if cc := d.cfg.Channel(req.Channel); cc != nil {
		if acct := cc.Accounts[accountID]; acct != nil {
			allowFrom = acct.AllowFrom
		}
	}

	target, err := plugin.Outbound.ResolveTarget(ctx, channels.ResolveTargetRequest{
		To:        to,
		AccountID: accountID,
		AllowFrom: allowFrom,
	})
	if err != nil {
		return channels.ResolvedTarget{}, newError(KindResolution, StepResolveTarget, err)
	}
	return target, nil
}

// decorate prefixes the first payload with the channel's forwarded-from
// framing. Skipped for direct tool invocations: decoration is additive
// context, not a default.
func (d *Dispatcher) decorate(plugin *channels.Plugin, payloads []Payload, req DeliverRequest) {
	if req.FromSessionKey == "" || req.SkipCrossContextDecoration {
		return
	}
	if plugin.Message == nil || plugin.Message.BuildCrossContextPrefix == nil {
		return
	}
	prefix := plugin.Message.BuildCrossContextPrefix(req.FromSessionKey)
	if prefix == "" {
		return
	}
	// Media-only deliveries stay undecorated; the prefix frames existing
	// text, it never becomes a message of its own.
	for i := range payloads {
		if payloads[i].Text != "" {
			payloads[i].Text = prefix + payloads[i].Text
			return
		}
	}
}

func (d *Dispatcher) deliverPayload(ctx context.Context, plugin *channels.Plugin, p Payload, target channels.ResolvedTarget, accountID, sessionKey, channel string) (DeliveryResult, error) {
	res := DeliveryResult{
		Channel:    channel,
		AccountID:  accountID,
		To:         target.To,
		SessionKey: sessionKey,
	}

	var chunks []Chunk
	if p.Text != "" {
		chunks = ChunkPayload(p, plugin.TextChunkLimit(d.cfg), plugin.ChunkerMode())
	}
	total := len(chunks)

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return res, chunkError(KindAborted, StepSendChunk, chunk.Index, total, err)
		}
		msgID, err := d.sendChunk(ctx, plugin, chunk, target, accountID, sessionKey, channel)
		if err != nil {
			return res, err
		}
		res.MessageIDs = append(res.MessageIDs, msgID)
		res.Chunks++
	}

	for i, mediaURL := range p.MediaURLs {
		if err := ctx.Err(); err != nil {
			return res, chunkError(KindAborted, StepSendMedia, i+1, len(p.MediaURLs), err)
		}
		msgID, err := d.sendMedia(ctx, plugin, p, mediaURL, i+1, target, accountID, sessionKey, channel)
		if err != nil {
			return res, err
		}
		res.MessageIDs = append(res.MessageIDs, msgID)
	}

	return res, nil
}

// sendChunk runs the queue protocol for one text chunk: enqueue intent,
// invoke the adapter, then finalize.
func (d *Dispatcher) sendChunk(ctx context.Context, plugin *channels.Plugin, chunk Chunk, target channels.ResolvedTarget, accountID, sessionKey, channel string) (string, error) {
	if plugin.Outbound.SendText == nil {
		return "", chunkError(KindValidation, StepSendChunk, chunk.Index, chunk.Total, channels.NotSupported(channel, "sendText"))
	}
	if err := d.waitRate(ctx, channel); err != nil {
		return "", chunkError(KindAborted, StepSendChunk, chunk.Index, chunk.Total, err)
	}

	rec, err := d.queue.Enqueue(ctx, queue.Record{
		Channel:    channel,
		AccountID:  accountID,
		To:         target.To,
		SessionKey: sessionKey,
		Kind:       "text",
		Chunk:      chunk.Index,
		Chunks:     chunk.Total,
	})
	if err != nil {
		return "", chunkError(KindAdapter, StepEnqueue, chunk.Index, chunk.Total, err)
	}

	result, err := plugin.Outbound.SendText(ctx, channels.SendTextRequest{
		To:        target.To,
		AccountID: accountID,
		Text:      chunk.Text,
		ReplyToID: chunk.ReplyToID,
		ThreadID:  chunk.ThreadID,
		Silent:    chunk.Silent,
	})
	if err != nil {
		bestEffort("fail delivery record", func() error {
			return d.queue.Fail(ctx, rec.ID, err.Error())
		})
		if IsAborted(err) || ctx.Err() != nil {
			return "", chunkError(KindAborted, StepSendChunk, chunk.Index, chunk.Total, err)
		}
		return "", chunkError(KindAdapter, StepSendChunk, chunk.Index, chunk.Total, err)
	}

	bestEffort("ack delivery record", func() error {
		return d.queue.Ack(ctx, rec.ID, result.MessageID)
	})
	return result.MessageID, nil
}

func (d *Dispatcher) sendMedia(ctx context.Context, plugin *channels.Plugin, p Payload, mediaURL string, index int, target channels.ResolvedTarget, accountID, sessionKey, channel string) (string, error) {
	total := len(p.MediaURLs)
	if plugin.Outbound.SendMedia == nil {
		return "", chunkError(KindValidation, StepSendMedia, index, total, channels.NotSupported(channel, "sendMedia"))
	}
	if err := d.waitRate(ctx, channel); err != nil {
		return "", chunkError(KindAborted, StepSendMedia, index, total, err)
	}

	rec, err := d.queue.Enqueue(ctx, queue.Record{
		Channel:    channel,
		AccountID:  accountID,
		To:         target.To,
		SessionKey: sessionKey,
		Kind:       "media",
		Chunk:      index,
		Chunks:     total,
	})
	if err != nil {
		return "", chunkError(KindAdapter, StepEnqueue, index, total, err)
	}

	result, err := plugin.Outbound.SendMedia(ctx, channels.SendMediaRequest{
		To:        target.To,
		AccountID: accountID,
		MediaURL:  mediaURL,
		ReplyToID: p.ReplyToID,
		ThreadID:  p.ThreadID,
		Silent:    p.Silent,
	})
	if err != nil {
		bestEffort("fail delivery record", func() error {
			return d.queue.Fail(ctx, rec.ID, err.Error())
		})
		if IsAborted(err) || ctx.Err() != nil {
			return "", chunkError(KindAborted, StepSendMedia, index, total, err)
		}
		return "", chunkError(KindAdapter, StepSendMedia, index, total, err)
	}

	bestEffort("ack delivery record", func() error {
		return d.queue.Ack(ctx, rec.ID, result.MessageID)
	})
	return result.MessageID, nil
}

// recordAbort flags the session when a delivery died to cancellation, so
// the next run can see it was cut off. Uses a detached context: the
// triggering cancellation must not also cancel the bookkeeping write.
func (d *Dispatcher) recordAbort(ctx context.Context, sessionKey string, err error) {
	if sessionKey == "" || d.store == nil || !IsAborted(err) {
		return
	}
	detached := context.WithoutCancel(ctx)
	bestEffort("record aborted run", func() error {
		_, err := d.store.Update(detached, sessionKey, func(e *sessions.Entry) {
			e.AbortedLastRun = true
		})
		return err
	})
}

// afterDelivery runs the tolerated side effects of a fully delivered reply:
// transcript mirroring, session-meta recording, hooks, and bus events.
// None of these may fail the delivery.
func (d *Dispatcher) afterDelivery(ctx context.Context, req DeliverRequest, accountID string, target channels.ResolvedTarget, sessionKey string, payloads []Payload, results []DeliveryResult) {
	var messageIDs []string
	for _, r := range results {
		messageIDs = append(messageIDs, r.MessageIDs...)
	}
	now := time.Now().UTC()

	if sessionKey != "" && d.store != nil {
		bestEffort("record session meta", func() error {
			entry, err := d.store.Update(ctx, sessionKey, func(e *sessions.Entry) {
				e.AbortedLastRun = false
				e.LastRoute = &sessions.RouteMeta{
					Channel:   req.Channel,
					AccountID: accountID,
					To:        target.To,
					PeerKind:  OutboundPeer(target).Kind,
				}
			})
			if err != nil {
				return err
			}
			if d.mirrorEnabled(req) && d.transcripts != nil {
				for _, p := range payloads {
					if err := d.transcripts.Append(ctx, entry.SessionID, sessions.TranscriptEntry{
						Role:      "assistant",
						Text:      p.Text,
						MediaURLs: p.MediaURLs,
						Channel:   req.Channel,
						At:        now,
					}); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	if d.hooks.HasHooks(req.Channel) {
		evt := MessageSent{
			Channel:    req.Channel,
			AccountID:  accountID,
			To:         target.To,
			SessionKey: sessionKey,
			MessageIDs: messageIDs,
			SentAt:     now,
		}
		for _, p := range payloads {
			if p.Text != "" && evt.Text == "" {
				evt.Text = p.Text
			}
			evt.MediaURLs = append(evt.MediaURLs, p.MediaURLs...)
		}
		d.hooks.RunMessageSent(ctx, evt)
	}

	if d.bus != nil {
		d.bus.Broadcast(bus.Event{
			Name: bus.EventMessageSent,
			Payload: bus.MessageSentPayload{
				Channel:    req.Channel,
				AccountID:  accountID,
				To:         target.To,
				SessionKey: sessionKey,
				MessageIDs: messageIDs,
				Chunks:     len(messageIDs),
				SentAt:     now,
			},
		})
	}
}

func (d *Dispatcher) mirrorEnabled(req DeliverRequest) bool {
	if req.Mirror != nil {
		return *req.Mirror
	}
	return d.cfg.Delivery.MirrorEnabled()
}

// waitRate blocks until the channel's outbound rate limiter admits a send.
func (d *Dispatcher) waitRate(ctx context.Context, channel string) error {
	perMinute := d.cfg.Delivery.RatePerMinute
	if perMinute <= 0 {
		return nil
	}

	d.mu.Lock()
	limiter, ok := d.limiters[channel]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
		d.limiters[channel] = limiter
	}
	d.mu.Unlock()

	return limiter.Wait(ctx)
}
