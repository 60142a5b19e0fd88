// Package routing maps inbound (channel, account, peer) triples onto agents
// and canonical session keys.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the DM-scope policy and peer kind:
//
//	main scope:               {mainKey}
//	per-peer:                 direct:{peerId}
//	per-channel-peer:         {channel}:direct:{peerId}
//	per-account-channel-peer: {channel}:{accountId}:direct:{peerId}
//	group/channel peers:      {channel}[:{accountId}]:{kind}:{peerId}
package routing

import "strings"

// PeerKind distinguishes direct, group, and broadcast-channel conversations.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// DefaultAccountID is the account segment used when no account is supplied.
const DefaultAccountID = "default"

// RoutePeer identifies the remote conversation partner independent of channel.
type RoutePeer struct {
	Kind PeerKind `json:"kind"`
	ID   string   `json:"id"`
}

// NormalizePeerKind canonicalizes a peer kind at the boundary. The legacy
// "dm" synonym maps to "direct"; anything unrecognized is treated as direct.
// Every comparison of peer kinds in this package goes through here, never
// compare raw strings at call sites.
func NormalizePeerKind(kind string) PeerKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "group":
		return PeerGroup
	case "channel":
		return PeerChannel
	case "dm", "direct":
		return PeerDirect
	default:
		return PeerDirect
	}
}

// NormalizeAccountID canonicalizes an account id for matching: trimmed,
// lowercased, empty defaulted to DefaultAccountID.
func NormalizeAccountID(accountID string) string {
	v := strings.ToLower(strings.TrimSpace(accountID))
	if v == "" {
		return DefaultAccountID
	}
	return v
}

// NormalizeAgentID canonicalizes an agent id (trimmed, lowercased).
func NormalizeAgentID(agentID string) string {
	return strings.ToLower(strings.TrimSpace(agentID))
}

// NormalizeChannelID canonicalizes a channel id (trimmed, lowercased).
func NormalizeChannelID(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
