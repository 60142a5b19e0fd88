package outbound

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawroute/internal/channels"
)

// Send-family actions. Under RequireExplicitTarget these must name a
// destination explicitly; everything else operates on the current context.
var explicitTargetActions = map[string]bool{
	"send":         true,
	"reply":        true,
	"thread-reply": true,
	"broadcast":    true,
}

// ActionInvocation is one call into the message action surface.
type ActionInvocation struct {
	Channel string
	Action  string
	Params  map[string]any
	// Context is the frame of the inbound message that triggered the
	// action; it supplies default targets and reply/thread ids.
	Context channels.ToolContext
	// DryRun validates and resolves but never touches the network.
	DryRun bool
}

// RunMessageAction validates and executes one action against a channel.
// Unsupported actions are rejected before any network call; an already
// cancelled context fails fast.
func (d *Dispatcher) RunMessageAction(ctx context.Context, inv ActionInvocation) (channels.ActionResult, error) {
	ctx, span := d.tracer.Start(ctx, "outbound.action", trace.WithAttributes(
		attribute.String("channel", inv.Channel),
		attribute.String("action", inv.Action),
		attribute.Bool("dry_run", inv.DryRun),
	))
	defer span.End()

	result, err := d.runAction(ctx, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (d *Dispatcher) runAction(ctx context.Context, inv ActionInvocation) (channels.ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return channels.ActionResult{}, abortError(ctx, StepAction)
	}

	action := strings.ToLower(strings.TrimSpace(inv.Action))
	if action == "" {
		return channels.ActionResult{}, newError(KindValidation, StepAction, fmt.Errorf("empty action"))
	}

	plugin, ok := d.registry.Get(inv.Channel)
	if !ok {
		return channels.ActionResult{}, newError(KindResolution, StepResolveChannel, fmt.Errorf("unknown channel %q", inv.Channel))
	}

	if explicitTargetActions[action] {
		return d.runSendAction(ctx, plugin, inv, action)
	}
	if action == "poll" {
		return d.runPollAction(ctx, plugin, inv, action)
	}
	return d.runAdapterAction(ctx, plugin, inv, action)
}

// runSendAction handles the send family (send, reply, thread-reply,
// broadcast) by funneling into Deliver.
func (d *Dispatcher) runSendAction(ctx context.Context, plugin *channels.Plugin, inv ActionInvocation, action string) (channels.ActionResult, error) {
	targets := actionTargets(inv.Params)
	if len(targets) == 0 {
		if d.cfg.Delivery.RequireExplicitTarget {
			return channels.ActionResult{}, newError(KindValidation, StepAction,
				fmt.Errorf("action %q requires an explicit target", action))
		}
		if inv.Context.To == "" {
			return channels.ActionResult{}, newError(KindValidation, StepAction,
				fmt.Errorf("action %q has no target and no current context", action))
		}
		targets = []string{inv.Context.To}
	}
	if action != "broadcast" && len(targets) > 1 {
		targets = targets[:1]
	}

	text := paramString(inv.Params, "message", "text")
	mediaURL := paramString(inv.Params, "mediaUrl", "media")
	if text == "" && mediaURL == "" {
		return channels.ActionResult{}, newError(KindValidation, StepAction,
			fmt.Errorf("action %q has no message content", action))
	}

	payload := Payload{Text: text, MediaURL: mediaURL}
	switch action {
	case "reply":
		payload.ReplyToID = firstNonEmpty(paramString(inv.Params, "replyToId"), inv.Context.MessageID)
		if payload.ReplyToID == "" {
			return channels.ActionResult{}, newError(KindValidation, StepAction,
				fmt.Errorf("reply needs a message to reply to"))
		}
	case "thread-reply":
		payload.ThreadID = NormalizeThreadID(firstNonEmpty(paramString(inv.Params, "threadId"), inv.Context.ThreadID))
		if payload.ThreadID == "" {
			return channels.ActionResult{}, newError(KindValidation, StepAction,
				fmt.Errorf("thread-reply needs a thread id"))
		}
	}

	accountID := firstNonEmpty(paramString(inv.Params, "accountId"), inv.Context.AccountID)

	result := channels.ActionResult{
		Action:  action,
		Channel: inv.Channel,
		To:      strings.Join(targets, ","),
		DryRun:  inv.DryRun,
	}

	if inv.DryRun {
		// Validation plus target resolution, no network call.
		if plugin.Outbound != nil && plugin.Outbound.ResolveTarget != nil {
			for _, to := range targets {
				if _, err := plugin.Outbound.ResolveTarget(ctx, channels.ResolveTargetRequest{
					To:        to,
					AccountID: accountID,
				}); err != nil {
					return channels.ActionResult{}, newError(KindResolution, StepResolveTarget, err)
				}
			}
		}
		return result, nil
	}

	if action == "broadcast" && len(targets) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for _, to := range targets {
			to := to
			g.Go(func() error {
				_, err := d.Deliver(gctx, DeliverRequest{
					Channel:                    inv.Channel,
					To:                         to,
					AccountID:                  accountID,
					Payloads:                   []Payload{payload},
					SkipCrossContextDecoration: true,
				})
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
		return result, nil
	}

	results, err := d.Deliver(ctx, DeliverRequest{
		Channel:                    inv.Channel,
		To:                         targets[0],
		AccountID:                  accountID,
		Payloads:                   []Payload{payload},
		SkipCrossContextDecoration: true,
	})
	if err != nil {
		return result, err
	}
	if len(results) > 0 && len(results[0].MessageIDs) > 0 {
		result.MessageID = results[0].MessageIDs[0]
	}
	return result, nil
}

// runPollAction creates a native poll through the outbound adapter's poll
// surface. Channels without one reject before any network call.
func (d *Dispatcher) runPollAction(ctx context.Context, plugin *channels.Plugin, inv ActionInvocation, action string) (channels.ActionResult, error) {
	if plugin.Outbound == nil || plugin.Outbound.SendPoll == nil {
		return channels.ActionResult{}, newError(KindValidation, StepAction,
			channels.NotSupported(inv.Channel, "sendPoll"))
	}

	to := firstNonEmpty(actionTarget(inv.Params), inv.Context.To)
	if to == "" {
		return channels.ActionResult{}, newError(KindValidation, StepAction,
			fmt.Errorf("poll has no target and no current context"))
	}
	question := paramString(inv.Params, "question", "message")
	if question == "" {
		return channels.ActionResult{}, newError(KindValidation, StepAction,
			fmt.Errorf("poll needs a question"))
	}
	options := pollOptions(inv.Params)
	if len(options) < 2 {
		return channels.ActionResult{}, newError(KindValidation, StepAction,
			fmt.Errorf("poll needs at least two options, got %d", len(options)))
	}

	accountID := firstNonEmpty(paramString(inv.Params, "accountId"), inv.Context.AccountID)
	result := channels.ActionResult{
		Action:  action,
		Channel: inv.Channel,
		To:      to,
		DryRun:  inv.DryRun,
	}
	if inv.DryRun {
		return result, nil
	}

	poll, err := plugin.Outbound.SendPoll(ctx, channels.SendPollRequest{
		To:        to,
		AccountID: accountID,
		Question:  question,
		Options:   options,
		Multi:     paramBool(inv.Params, "multi"),
	})
	if err != nil {
		if IsAborted(err) || ctx.Err() != nil {
			return result, newError(KindAborted, StepAction, err)
		}
		return result, newError(KindAdapter, StepAction, err)
	}
	result.MessageID = poll.MessageID
	if poll.PollID != "" {
		result.Details = map[string]any{"pollId": poll.PollID}
	}
	return result, nil
}

// runAdapterAction handles the extended vocabulary (react, delete,
// pin, unpin, fetch) through the plugin's action adapter.
func (d *Dispatcher) runAdapterAction(ctx context.Context, plugin *channels.Plugin, inv ActionInvocation, action string) (channels.ActionResult, error) {
	if !plugin.SupportsAction(action) {
		return channels.ActionResult{}, newError(KindValidation, StepAction,
			fmt.Errorf("channel %s: action %q %w", inv.Channel, action, channels.ErrNotSupported))
	}

	to := firstNonEmpty(actionTarget(inv.Params), inv.Context.To)
	accountID := firstNonEmpty(paramString(inv.Params, "accountId"), inv.Context.AccountID)

	result := channels.ActionResult{
		Action:  action,
		Channel: inv.Channel,
		To:      to,
		DryRun:  inv.DryRun,
	}
	if inv.DryRun {
		return result, nil
	}

	handled, err := plugin.Actions.HandleAction(ctx, channels.ActionRequest{
		Action:    action,
		To:        to,
		AccountID: accountID,
		Params:    inv.Params,
		Context:   inv.Context,
	})
	if err != nil {
		if IsAborted(err) || ctx.Err() != nil {
			return result, newError(KindAborted, StepAction, err)
		}
		return result, newError(KindAdapter, StepAction, err)
	}
	handled.Action = action
	handled.Channel = inv.Channel
	return handled, nil
}

// actionTargets extracts the explicit destinations from action params:
// target, to, channelId, or a non-empty targets list.
func actionTargets(params map[string]any) []string {
	if single := actionTarget(params); single != "" {
		return []string{single}
	}
	raw, ok := params["targets"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		for _, t := range v {
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func actionTarget(params map[string]any) string {
	return paramString(params, "target", "to", "channelId")
}

// pollOptions accepts options as a list or as a comma-separated string.
func pollOptions(params map[string]any) []string {
	var out []string
	switch v := params["options"].(type) {
	case []string:
		for _, o := range v {
			if s := strings.TrimSpace(o); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, o := range v {
			if s, ok := o.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	case string:
		for _, o := range strings.Split(v, ",") {
			if s := strings.TrimSpace(o); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func paramBool(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

func paramString(params map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
