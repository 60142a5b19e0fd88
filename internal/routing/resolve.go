package routing

import (
	"errors"
	"strings"

	"github.com/nextlevelbuilder/clawroute/internal/config"
)

// MatchedBy identifies which rule produced a route.
type MatchedBy string

const (
	MatchedByPeerBinding    MatchedBy = "binding.peer"
	MatchedByAccountBinding MatchedBy = "binding.account"
	MatchedByChannelBinding MatchedBy = "binding.channel"
	MatchedByDefault        MatchedBy = "default"
)

// Route is the result of resolving an inbound (channel, account, peer) triple.
type Route struct {
	AgentID    string    `json:"agentId"`
	AccountID  string    `json:"accountId"`
	SessionKey string    `json:"sessionKey"`
	MatchedBy  MatchedBy `json:"matchedBy"`
}

var (
	// ErrNilConfig is returned when resolution is attempted without configuration.
	ErrNilConfig = errors.New("routing: nil config")
	// ErrNoAgent is returned when no binding matches and no default agent
	// can be determined. This is a configuration error, never silently
	// defaulted to an arbitrary agent.
	ErrNoAgent = errors.New("routing: no matching binding and no default agent configured")
	// ErrEmptyChannel is returned for a resolution request without a channel.
	ErrEmptyChannel = errors.New("routing: empty channel")
)

// ResolveAgentRoute maps an inbound message to its agent and session key.
// Pure with respect to cfg: bindings are read-only at routing time.
//
// Precedence (first match wins):
//  1. peer binding (channel + account + peer)
//  2. account binding (channel + account, no peer constraint)
//  3. channel binding with wildcard account ("*")
//  4. default agent
func ResolveAgentRoute(cfg *config.Config, channel, accountID string, peer RoutePeer) (Route, error) {
	if cfg == nil {
		return Route{}, ErrNilConfig
	}
	ch := NormalizeChannelID(channel)
	if ch == "" {
		return Route{}, ErrEmptyChannel
	}

	account := NormalizeAccountID(accountID)

	agentID, matchedBy := matchBindings(cfg.Bindings, ch, account, peer)
	if agentID == "" {
		agentID = cfg.ResolveDefaultAgentID()
		matchedBy = MatchedByDefault
	}
	if agentID == "" {
		return Route{}, ErrNoAgent
	}

	sessionKey := BuildSessionKey(SessionKeyParams{
		AgentID:       agentID,
		Channel:       ch,
		AccountID:     account,
		Peer:          peer,
		DMScope:       cfg.Session.DMScope,
		MainKey:       cfg.Session.MainKey,
		IdentityLinks: cfg.Session.IdentityLinks,
	})

	return Route{
		AgentID:    NormalizeAgentID(agentID),
		AccountID:  account,
		SessionKey: sessionKey,
		MatchedBy:  matchedBy,
	}, nil
}

func matchBindings(bindings []config.AgentBinding, channel, account string, peer RoutePeer) (string, MatchedBy) {
	// Pass 1: peer bindings.
	for _, b := range bindings {
		if NormalizeChannelID(b.Match.Channel) != channel || b.Match.Peer == nil {
			continue
		}
		if !bindingAccountMatches(b.Match.AccountID, account) {
			continue
		}
		if peerMatches(*b.Match.Peer, peer) {
			return NormalizeAgentID(b.AgentID), MatchedByPeerBinding
		}
	}
	// Pass 2: account bindings.
	for _, b := range bindings {
		if NormalizeChannelID(b.Match.Channel) != channel || b.Match.Peer != nil {
			continue
		}
		if strings.TrimSpace(b.Match.AccountID) == "*" {
			continue
		}
		if bindingAccountMatches(b.Match.AccountID, account) {
			return NormalizeAgentID(b.AgentID), MatchedByAccountBinding
		}
	}
	// Pass 3: channel bindings (wildcard account).
	for _, b := range bindings {
		if NormalizeChannelID(b.Match.Channel) != channel || b.Match.Peer != nil {
			continue
		}
		if strings.TrimSpace(b.Match.AccountID) == "*" {
			return NormalizeAgentID(b.AgentID), MatchedByChannelBinding
		}
	}
	return "", ""
}

// bindingAccountMatches compares a binding's accountId against the
// canonicalized inbound account. A binding with no accountId matches only
// the default account, never any explicit one; "*" matches every account.
func bindingAccountMatches(bindingAccount, account string) bool {
	trimmed := strings.TrimSpace(bindingAccount)
	if trimmed == "*" {
		return true
	}
	if trimmed == "" {
		return account == DefaultAccountID
	}
	return NormalizeAccountID(trimmed) == account
}

// peerMatches compares a binding peer against a runtime peer. Kinds are
// normalized so a legacy "dm" binding matches a runtime "direct" peer and
// vice versa.
func peerMatches(binding config.BindingPeer, peer RoutePeer) bool {
	if NormalizePeerKind(binding.Kind) != NormalizePeerKind(string(peer.Kind)) {
		return false
	}
	return strings.TrimSpace(binding.ID) == strings.TrimSpace(peer.ID)
}
