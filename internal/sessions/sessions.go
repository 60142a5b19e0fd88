// Package sessions persists the session-key → entry mapping that joins
// inbound routing, outbound delivery, and transcript mirroring.
package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawroute/internal/routing"
)

// RouteMeta is the last confirmed route for a session: which channel,
// account, and destination the conversation most recently used.
type RouteMeta struct {
	Channel   string           `json:"channel"`
	AccountID string           `json:"accountId,omitempty"`
	To        string           `json:"to,omitempty"`
	PeerKind  routing.PeerKind `json:"peerKind,omitempty"`
}

// Entry is one persisted session record. Entries are never deleted by the
// core; retention is an external concern.
type Entry struct {
	SessionID      string     `json:"sessionId"`
	AbortedLastRun bool       `json:"abortedLastRun,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastRoute      *RouteMeta `json:"lastRoute,omitempty"`
}

// Store is the durable session-entry backend. Update performs a
// read-modify-write serialized per key: concurrent updates to the same key
// never race, updates to different keys never block each other.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Update(ctx context.Context, key string, fn func(*Entry)) (Entry, error)
	List(ctx context.Context) (map[string]Entry, error)
	Close() error
}

// NewSessionID mints a session id. Time-ordered so session files and DB
// rows sort by creation.
func NewSessionID() string {
	return uuid.Must(uuid.NewV7()).String()
}
