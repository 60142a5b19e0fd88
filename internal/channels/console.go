package channels

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawroute/internal/config"
	"github.com/nextlevelbuilder/clawroute/internal/routing"
)

// NewConsolePlugin returns the built-in console channel: sends are printed
// to w. It exists so the delivery pipeline can be driven end to end from
// the CLI without any wire client, and it doubles as a reference adapter
// for plugin authors.
func NewConsolePlugin(w io.Writer) *Plugin {
	var mu sync.Mutex
	var seq int

	nextID := func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("console-%d", seq)
	}

	return &Plugin{
		ID: "console",
		Capabilities: Capabilities{
			ChatTypes:      []string{"direct"},
			TextChunkLimit: DefaultTextChunkLimit,
			ChunkerMode:    ChunkerText,
			DeliveryMode:   DeliveryDirect,
		},
		Outbound: &OutboundAdapter{
			ResolveTarget: func(ctx context.Context, req ResolveTargetRequest) (ResolvedTarget, error) {
				to := strings.TrimSpace(req.To)
				if to == "" {
					return ResolvedTarget{}, fmt.Errorf("console: empty target")
				}
				return ResolvedTarget{To: to, Kind: routing.PeerDirect}, nil
			},
			SendText: func(ctx context.Context, req SendTextRequest) (SendResult, error) {
				mu.Lock()
				_, err := fmt.Fprintf(w, "[console:%s → %s] %s\n", req.AccountID, req.To, req.Text)
				mu.Unlock()
				if err != nil {
					return SendResult{}, err
				}
				return SendResult{MessageID: nextID(), ChatID: req.To}, nil
			},
			SendMedia: func(ctx context.Context, req SendMediaRequest) (SendResult, error) {
				mu.Lock()
				_, err := fmt.Fprintf(w, "[console:%s → %s] media %s\n", req.AccountID, req.To, req.MediaURL)
				mu.Unlock()
				if err != nil {
					return SendResult{}, err
				}
				return SendResult{MessageID: nextID(), ChatID: req.To}, nil
			},
			SendPoll: func(ctx context.Context, req SendPollRequest) (PollResult, error) {
				mu.Lock()
				_, err := fmt.Fprintf(w, "[console:%s → %s] poll %q options %s\n", req.AccountID, req.To, req.Question, strings.Join(req.Options, " | "))
				mu.Unlock()
				if err != nil {
					return PollResult{}, err
				}
				id := nextID()
				return PollResult{MessageID: id, PollID: id}, nil
			},
		},
		Config: &ConfigAdapter{
			ListAccountIDs: func(cfg *config.Config) []string {
				return []string{routing.DefaultAccountID}
			},
			ResolveAccount: func(cfg *config.Config, accountID string) (ResolvedAccount, error) {
				id := routing.NormalizeAccountID(accountID)
				if id != routing.DefaultAccountID {
					return ResolvedAccount{}, fmt.Errorf("console: unknown account %q", accountID)
				}
				return ResolvedAccount{ID: id}, nil
			},
			DefaultAccountID: func(cfg *config.Config) string {
				return routing.DefaultAccountID
			},
			IsConfigured: func(cfg *config.Config) bool { return true },
		},
		Actions: &MessageActions{
			ListActions: func() []string { return []string{"fetch"} },
			HandleAction: func(ctx context.Context, req ActionRequest) (ActionResult, error) {
				return ActionResult{To: req.To, Details: map[string]any{"params": req.Params}}, nil
			},
		},
	}
}
