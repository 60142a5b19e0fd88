package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawroute/internal/routing"
)

func routeCmd() *cobra.Command {
	var accountID, peerKind string

	cmd := &cobra.Command{
		Use:   "route <channel> <peer-id>",
		Short: "Resolve which agent and session a (channel, account, peer) maps to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			route, err := routing.ResolveAgentRoute(cfg, args[0], accountID, routing.RoutePeer{
				Kind: routing.NormalizePeerKind(peerKind),
				ID:   args[1],
			})
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(route, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account id (default: channel default account)")
	cmd.Flags().StringVar(&peerKind, "kind", "direct", "peer kind: direct, group, or channel")
	return cmd
}
