package routing

import (
	"fmt"
	"sort"
	"strings"
)

// DM-scope policy values. Empty and unknown values fall back to DMScopeMain.
const (
	DMScopeMain               = "main"
	DMScopePerPeer            = "per-peer"
	DMScopePerChannelPeer     = "per-channel-peer"
	DMScopePerAccountChanPeer = "per-account-channel-peer"
)

// DefaultMainKey is the shared-session suffix under DMScopeMain.
const DefaultMainKey = "main"

// SessionKeyParams describes one conversation for key derivation.
type SessionKeyParams struct {
	AgentID   string
	Channel   string
	AccountID string
	Peer      RoutePeer
	DMScope   string
	MainKey   string
	// IdentityLinks maps canonical identity names to raw "channel:peerId"
	// identifiers. Applied only under peer-scoped DM modes.
	IdentityLinks map[string][]string
}

// BuildSessionKey derives the canonical session key for a conversation.
// Deterministic and side-effect free; the key is the join point between
// inbound routing, outbound delivery, and transcript mirroring.
func BuildSessionKey(p SessionKeyParams) string {
	agentID := NormalizeAgentID(p.AgentID)
	channel := NormalizeChannelID(p.Channel)
	kind := NormalizePeerKind(string(p.Peer.Kind))
	peerID := strings.TrimSpace(p.Peer.ID)

	// Group and broadcast-channel peers always key by channel+peer;
	// collapsing shared rooms has no meaning.
	if kind != PeerDirect {
		if p.DMScope == DMScopePerAccountChanPeer {
			return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, channel, NormalizeAccountID(p.AccountID), kind, peerID)
		}
		return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, peerID)
	}

	switch p.DMScope {
	case DMScopePerPeer:
		return fmt.Sprintf("agent:%s:direct:%s", agentID, resolveIdentity(p.IdentityLinks, channel, peerID))
	case DMScopePerChannelPeer:
		return fmt.Sprintf("agent:%s:%s:direct:%s", agentID, channel, resolveIdentity(p.IdentityLinks, channel, peerID))
	case DMScopePerAccountChanPeer:
		return fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, channel, NormalizeAccountID(p.AccountID), peerID)
	default: // DMScopeMain or empty: all DMs share one session per agent
		mainKey := strings.TrimSpace(p.MainKey)
		if mainKey == "" {
			mainKey = DefaultMainKey
		}
		return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
	}
}

// resolveIdentity substitutes the canonical identity name for a raw
// channel:peerId identifier when one is configured. Names are checked in
// sorted order so overlapping links resolve deterministically.
func resolveIdentity(links map[string][]string, channel, peerID string) string {
	if len(links) == 0 {
		return peerID
	}
	raw := strings.ToLower(channel + ":" + peerID)
	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, candidate := range links[name] {
			if strings.ToLower(strings.TrimSpace(candidate)) == raw {
				// Canonicalized like every other key segment, so the same
				// link collapses to one session regardless of config casing.
				return strings.ToLower(strings.TrimSpace(name))
			}
		}
	}
	return peerID
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}
