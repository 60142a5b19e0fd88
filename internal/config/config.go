package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultAgentID is the built-in fallback agent when no agent is marked default.
const DefaultAgentID = "main"

// Config is the root configuration for the clawroute gateway core.
type Config struct {
	Agents    AgentsConfig              `json:"agents"`
	Channels  map[string]*ChannelConfig `json:"channels,omitempty"`
	Session   SessionConfig             `json:"session"`
	Bindings  []AgentBinding            `json:"bindings,omitempty"`
	Delivery  DeliveryConfig            `json:"delivery"`
	Database  DatabaseConfig            `json:"database,omitempty"`
	Telemetry TelemetryConfig           `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig contains the agent roster. Exactly one entry may be marked
// default; when none is, DefaultAgentID is the fallback.
type AgentsConfig struct {
	List map[string]AgentSpec `json:"list,omitempty"`
}

// AgentSpec is a single agent declaration. Routing only needs identity and
// the default flag; execution concerns live outside this core.
type AgentSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

// AgentBinding maps a channel/account/peer pattern to an agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies which inbound routes a binding applies to.
// AccountID "*" matches any account; an empty AccountID matches only the
// channel's default account.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer pins a binding to one conversation partner.
// Kind accepts the legacy "dm" synonym for "direct".
type BindingPeer struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// SessionConfig controls session-key derivation and the session store.
type SessionConfig struct {
	// DMScope: "main" (default), "per-peer", "per-channel-peer",
	// "per-account-channel-peer".
	DMScope string `json:"dmScope,omitempty"`
	// MainKey is the shared-session suffix under dmScope=main (default "main").
	MainKey string `json:"mainKey,omitempty"`
	// Store is the session store file path.
	Store string `json:"store,omitempty"`
	// IdentityLinks maps a canonical identity name to raw "channel:peerId"
	// identifiers that collapse onto one session under peer-scoped DM modes.
	IdentityLinks map[string][]string `json:"identityLinks,omitempty"`
}

// ChannelConfig is per-channel configuration consumed by channel plugins
// through the registry's config adapter.
type ChannelConfig struct {
	Enabled        bool                      `json:"enabled,omitempty"`
	DefaultAccount string                    `json:"defaultAccount,omitempty"`
	Accounts       map[string]*AccountConfig `json:"accounts,omitempty"`
	// TextChunkLimit overrides the adapter's declared chunk limit when > 0.
	TextChunkLimit int `json:"textChunkLimit,omitempty"`
}

// AccountConfig is one sending identity within a channel.
type AccountConfig struct {
	Name      string   `json:"name,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
	DefaultTo string   `json:"defaultTo,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// DeliveryConfig controls the outbound pipeline.
type DeliveryConfig struct {
	// QueuePath is the sqlite delivery-queue database path.
	QueuePath string `json:"queuePath,omitempty"`
	// RatePerMinute caps outbound sends per channel (0 = unlimited).
	RatePerMinute int `json:"ratePerMinute,omitempty"`
	// Mirror enables transcript mirroring by default (nil = enabled).
	Mirror *bool `json:"mirror,omitempty"`
	// RequireExplicitTarget makes the action runner reject send-family
	// actions without an explicit destination.
	RequireExplicitTarget bool `json:"requireExplicitTarget,omitempty"`
}

// DatabaseConfig selects the session-meta backend.
// PostgresDSN is NEVER read from the config file, only from env CLAWROUTE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode reports whether session meta lives in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OTLP trace export for the delivery paths.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// MirrorEnabled reports whether transcript mirroring is on (default true).
func (d DeliveryConfig) MirrorEnabled() bool {
	return d.Mirror == nil || *d.Mirror
}

// ResolveDefaultAgentID returns the agent marked default, or DefaultAgentID.
// Map iteration is not ordered, so ties break on the lexically smallest id
// to keep resolution deterministic.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.Agents.List))
	for id, spec := range c.Agents.List {
		if spec.Default {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return DefaultAgentID
	}
	sort.Strings(ids)
	return strings.ToLower(ids[0])
}

// Channel returns the configuration for a channel id, or nil.
func (c *Config) Channel(id string) *ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels[id]
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher on reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Channels = src.Channels
	c.Session = src.Session
	c.Bindings = src.Bindings
	c.Delivery = src.Delivery
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}

// Validate reports configuration errors that would otherwise surface as
// confusing routing results: bindings referencing unknown agents, bad peer
// kinds, and empty binding channels.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, b := range c.Bindings {
		if strings.TrimSpace(b.AgentID) == "" {
			return fmt.Errorf("bindings[%d]: missing agentId", i)
		}
		if strings.TrimSpace(b.Match.Channel) == "" {
			return fmt.Errorf("bindings[%d]: missing match.channel", i)
		}
		if len(c.Agents.List) > 0 {
			if _, ok := c.Agents.List[strings.ToLower(strings.TrimSpace(b.AgentID))]; !ok {
				return fmt.Errorf("bindings[%d]: unknown agent %q", i, b.AgentID)
			}
		}
		if p := b.Match.Peer; p != nil {
			switch strings.ToLower(strings.TrimSpace(p.Kind)) {
			case "direct", "dm", "group", "channel":
			default:
				return fmt.Errorf("bindings[%d]: invalid peer kind %q", i, p.Kind)
			}
			if strings.TrimSpace(p.ID) == "" {
				return fmt.Errorf("bindings[%d]: missing peer id", i)
			}
		}
	}
	return nil
}
