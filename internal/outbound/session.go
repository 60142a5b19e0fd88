package outbound

import (
	"strings"

	"github.com/nextlevelbuilder/clawroute/internal/channels"
	"github.com/nextlevelbuilder/clawroute/internal/config"
	"github.com/nextlevelbuilder/clawroute/internal/routing"
)

// OutboundPeer infers the conversation peer from a resolved target. A
// "group:"/"channel:" prefix on the address wins over the adapter's declared
// kind; bare addresses default to direct.
func OutboundPeer(target channels.ResolvedTarget) routing.RoutePeer {
	id := strings.TrimSpace(target.To)
	kind := target.Kind
	if kind == "" {
		kind = routing.PeerDirect
	}

	for _, prefix := range []string{"group:", "channel:", "direct:", "dm:", "user:"} {
		if rest, ok := strings.CutPrefix(id, prefix); ok {
			kind = routing.NormalizePeerKind(strings.TrimSuffix(prefix, ":"))
			if prefix == "user:" {
				kind = routing.PeerDirect
			}
			id = strings.TrimSpace(rest)
			break
		}
	}
	return routing.RoutePeer{Kind: kind, ID: id}
}

// ResolveOutboundSession confirms which session an outbound send belongs to
// before transcript mirroring attaches history. With an explicit agent the
// binding match is overridden but the session key shape still follows the
// configured DM scope.
func ResolveOutboundSession(cfg *config.Config, channel, accountID, agentID string, target channels.ResolvedTarget) (routing.Route, error) {
	peer := OutboundPeer(target)
	route, err := routing.ResolveAgentRoute(cfg, channel, accountID, peer)
	if err != nil {
		return routing.Route{}, err
	}

	if agent := routing.NormalizeAgentID(agentID); agent != "" && agent != route.AgentID {
		route.AgentID = agent
		route.SessionKey = routing.BuildSessionKey(routing.SessionKeyParams{
			AgentID:       agent,
			Channel:       channel,
			AccountID:     accountID,
			Peer:          peer,
			DMScope:       cfg.Session.DMScope,
			MainKey:       cfg.Session.MainKey,
			IdentityLinks: cfg.Session.IdentityLinks,
		})
	}
	return route, nil
}

// NormalizeThreadID canonicalizes a channel-native thread id. A reply-to
// message id is not a thread id and must not be passed here.
func NormalizeThreadID(threadID string) string {
	return strings.TrimSpace(threadID)
}
