// Package channels defines the adapter contract between the routing and
// delivery core and channel plugins (Telegram, Discord, Slack, bridges).
//
// Adapters are capability-tagged structs of function-valued fields rather
// than interfaces with optional methods: callers check for a nil field
// before invoking, and a missing capability fails closed with ErrNotSupported
// instead of being silently dropped.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/clawroute/internal/config"
	"github.com/nextlevelbuilder/clawroute/internal/routing"
)

// DefaultTextChunkLimit applies when an adapter declares no chunk limit.
const DefaultTextChunkLimit = 4000

// ChunkerMode selects how outbound text is split against the chunk limit.
type ChunkerMode string

const (
	ChunkerText     ChunkerMode = "text"
	ChunkerMarkdown ChunkerMode = "markdown"
)

// DeliveryMode describes how an adapter reaches the wire.
type DeliveryMode string

const (
	DeliveryDirect  DeliveryMode = "direct"
	DeliveryGateway DeliveryMode = "gateway"
	DeliveryHybrid  DeliveryMode = "hybrid"
)

// Capabilities declares what the dispatcher may assume about an adapter
// without channel-specific branching.
type Capabilities struct {
	ChatTypes      []string
	NativeCommands bool
	BlockStreaming bool
	TextChunkLimit int
	ChunkerMode    ChunkerMode
	DeliveryMode   DeliveryMode
}

// ErrNotSupported marks a capability the channel does not implement.
// Returned (wrapped) whenever a required adapter field is nil.
var ErrNotSupported = errors.New("not supported")

// NotSupported builds the fail-closed error for a missing capability.
func NotSupported(channel, op string) error {
	return fmt.Errorf("channel %s: %s %w", channel, op, ErrNotSupported)
}

// ResolveTargetRequest carries a human-supplied destination into an adapter.
type ResolveTargetRequest struct {
	To        string
	AccountID string
	AllowFrom []string
	Mode      string
}

// ResolvedTarget is a validated channel-native address. Kind is the peer
// kind the address denotes, when the adapter can tell; used to infer the
// outbound session route.
type ResolvedTarget struct {
	To   string
	Kind routing.PeerKind
}

// SendTextRequest is one chunk of outbound text.
type SendTextRequest struct {
	To        string
	AccountID string
	Text      string
	ReplyToID string
	ThreadID  string
	Silent    bool
}

// SendMediaRequest is one outbound media item with optional caption.
type SendMediaRequest struct {
	To        string
	AccountID string
	MediaURL  string
	Caption   string
	ReplyToID string
	ThreadID  string
	Silent    bool
}

// SendPollRequest creates a native poll where the channel supports one.
type SendPollRequest struct {
	To        string
	AccountID string
	Question  string
	Options   []string
	Multi     bool
}

// SendResult is the channel-native identifiers of a delivered message.
type SendResult struct {
	MessageID string
	ChatID    string
}

// PollResult identifies a created poll.
type PollResult struct {
	MessageID string
	PollID    string
}

// OutboundAdapter is the send surface of a channel plugin. Every field is
// independently optional; nil means the channel cannot do it.
type OutboundAdapter struct {
	ResolveTarget func(ctx context.Context, req ResolveTargetRequest) (ResolvedTarget, error)
	SendText      func(ctx context.Context, req SendTextRequest) (SendResult, error)
	SendMedia     func(ctx context.Context, req SendMediaRequest) (SendResult, error)
	SendPoll      func(ctx context.Context, req SendPollRequest) (PollResult, error)
}

// ResolvedAccount is a sending identity selected from channel config.
type ResolvedAccount struct {
	ID     string
	Config *config.AccountConfig
}

// ConfigAdapter exposes a channel's account layout to the core.
type ConfigAdapter struct {
	ListAccountIDs   func(cfg *config.Config) []string
	ResolveAccount   func(cfg *config.Config, accountID string) (ResolvedAccount, error)
	DefaultAccountID func(cfg *config.Config) string
	IsConfigured     func(cfg *config.Config) bool
}

// ToolContext is the channel/thread/message frame handed to action
// handlers: which channel and conversation the triggering inbound message
// came from.
type ToolContext struct {
	ChannelID string
	AccountID string
	To        string
	ThreadID  string
	MessageID string
}

// ThreadContextRequest carries channel-native identifiers into
// BuildToolContext. ReplyToID and ThreadID are distinct inputs: a plain
// reply-to message id must never be promoted into a thread id, since the
// result would be an invalid native thread reference.
type ThreadContextRequest struct {
	ChatID    string
	AccountID string
	MessageID string
	ReplyToID string
	ThreadID  string
}

// ThreadingAdapter maps channel-native threading into the tool-facing frame.
type ThreadingAdapter struct {
	BuildToolContext func(req ThreadContextRequest) ToolContext
}

// ActionRequest is one invocation of a channel message action.
type ActionRequest struct {
	Action    string
	To        string
	AccountID string
	Params    map[string]any
	Context   ToolContext
}

// ActionResult is the uniform result shape of a message action.
type ActionResult struct {
	Action    string         `json:"action"`
	Channel   string         `json:"channel"`
	To        string         `json:"to,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	DryRun    bool           `json:"dryRun,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// MessageActions is the extended action surface beyond plain sends.
type MessageActions struct {
	ListActions  func() []string
	HandleAction func(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// MessageAdapter customizes message framing for a channel.
type MessageAdapter struct {
	// BuildCrossContextPrefix produces the "forwarded from" framing put in
	// front of text echoed out of a different session. Suppressed entirely
	// for direct tool invocations.
	BuildCrossContextPrefix func(fromSessionKey string) string
}

// Plugin bundles everything a channel registers with the core.
type Plugin struct {
	ID           string
	Capabilities Capabilities
	Outbound     *OutboundAdapter
	Config       *ConfigAdapter
	Threading    *ThreadingAdapter
	Actions      *MessageActions
	Message      *MessageAdapter
}

// TextChunkLimit returns the effective chunk limit for this plugin:
// config override first, then the declared capability, then the default.
func (p *Plugin) TextChunkLimit(cfg *config.Config) int {
	if cfg != nil {
		if cc := cfg.Channel(p.ID); cc != nil && cc.TextChunkLimit > 0 {
			return cc.TextChunkLimit
		}
	}
	if p.Capabilities.TextChunkLimit > 0 {
		return p.Capabilities.TextChunkLimit
	}
	return DefaultTextChunkLimit
}

// ChunkerMode returns the declared chunker mode, defaulting to plain text.
func (p *Plugin) ChunkerMode() ChunkerMode {
	if p.Capabilities.ChunkerMode == ChunkerMarkdown {
		return ChunkerMarkdown
	}
	return ChunkerText
}

// BuildToolContext maps channel-native identifiers into the action frame.
// Channels with native threading supply their own mapping through the
// threading adapter; the fallback carries identifiers through verbatim and
// never promotes ReplyToID into ThreadID.
func (p *Plugin) BuildToolContext(req ThreadContextRequest) ToolContext {
	if p.Threading != nil && p.Threading.BuildToolContext != nil {
		return p.Threading.BuildToolContext(req)
	}
	return ToolContext{
		ChannelID: p.ID,
		AccountID: req.AccountID,
		To:        req.ChatID,
		ThreadID:  req.ThreadID,
		MessageID: req.MessageID,
	}
}

// SupportsAction reports whether the plugin's action adapter lists action.
// Plain sends do not go through the action list.
func (p *Plugin) SupportsAction(action string) bool {
	if p.Actions == nil || p.Actions.ListActions == nil {
		return false
	}
	want := strings.ToLower(strings.TrimSpace(action))
	for _, a := range p.Actions.ListActions() {
		if strings.ToLower(a) == want {
			return true
		}
	}
	return false
}

// DefaultAccountID resolves the account used when a caller supplies none:
// the config adapter's answer, then the channel config's defaultAccount,
// then the core default.
func (p *Plugin) DefaultAccountID(cfg *config.Config) string {
	if p.Config != nil && p.Config.DefaultAccountID != nil {
		if id := p.Config.DefaultAccountID(cfg); id != "" {
			return routing.NormalizeAccountID(id)
		}
	}
	if cfg != nil {
		if cc := cfg.Channel(p.ID); cc != nil && cc.DefaultAccount != "" {
			return routing.NormalizeAccountID(cc.DefaultAccount)
		}
	}
	return routing.DefaultAccountID
}
