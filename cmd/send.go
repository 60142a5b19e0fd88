package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawroute/internal/outbound"
)

func sendCmd() *cobra.Command {
	var (
		accountID string
		agentID   string
		mediaURLs []string
		noMirror  bool
	)

	cmd := &cobra.Command{
		Use:   "send <channel> <to> [message...]",
		Short: "Deliver a message through a channel adapter",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			payload := outbound.Payload{
				Text:      strings.Join(args[2:], " "),
				MediaURLs: mediaURLs,
			}

			req := outbound.DeliverRequest{
				Channel:                    args[0],
				To:                         args[1],
				AccountID:                  accountID,
				AgentID:                    agentID,
				Payloads:                   []outbound.Payload{payload},
				SkipCrossContextDecoration: true,
			}
			if noMirror {
				mirror := false
				req.Mirror = &mirror
			}

			results, err := rt.dispatcher.Deliver(ctx, req)
			if err != nil {
				return fmt.Errorf("deliver: %w", err)
			}

			out, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "sending account id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id override for session attribution")
	cmd.Flags().StringArrayVar(&mediaURLs, "media", nil, "media URL to attach (repeatable)")
	cmd.Flags().BoolVar(&noMirror, "no-mirror", false, "skip transcript mirroring")
	return cmd
}
