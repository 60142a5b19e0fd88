package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawroute/internal/channels"
	"github.com/nextlevelbuilder/clawroute/internal/outbound"
)

func actionCmd() *cobra.Command {
	var (
		target    string
		targets   []string
		message   string
		accountID string
		chatID    string
		messageID string
		threadID  string
		dryRun    bool
		params    []string
	)

	cmd := &cobra.Command{
		Use:   "action <channel> <action>",
		Short: "Run a message action (send, reply, react, delete, poll, ...)",
		Args:  cobra.ExactArgs(2),
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

			p := map[string]any{}
			for _, kv := range params {
				key, value, found := strings.Cut(kv, "=")
				if !found {
					return fmt.Errorf("invalid --param %q, want key=value", kv)
				}
				p[key] = value
			}
			if message != "" {
				p["message"] = message
			}
			if target != "" {
				p["target"] = target
			}
			if len(targets) > 0 {
				p["targets"] = targets
			}
			if accountID != "" {
				p["accountId"] = accountID
			}

			var toolCtx channels.ToolContext
			if plugin, ok := rt.registry.Get(args[0]); ok {
				toolCtx = plugin.BuildToolContext(channels.ThreadContextRequest{
					ChatID:    chatID,
					AccountID: accountID,
					MessageID: messageID,
					ThreadID:  threadID,
				})
			}

			result, err := rt.dispatcher.RunMessageAction(ctx, outbound.ActionInvocation{
				Channel: args[0],
				Action:  args[1],
				Params:  p,
				Context: toolCtx,
				DryRun:  dryRun,
			})
			if err != nil {
				return fmt.Errorf("action: %w", err)
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "explicit destination")
	cmd.Flags().StringArrayVar(&targets, "targets", nil, "destinations for broadcast (repeatable)")
	cmd.Flags().StringVar(&message, "message", "", "message text")
	cmd.Flags().StringVar(&accountID, "account", "", "sending account id")
	cmd.Flags().StringVar(&chatID, "chat", "", "current conversation id, used as the default target")
	cmd.Flags().StringVar(&messageID, "message-id", "", "triggering message id, used as the default reply target")
	cmd.Flags().StringVar(&threadID, "thread-id", "", "current thread id, used by thread-reply")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and resolve without sending")
	cmd.Flags().StringArrayVar(&params, "param", nil, "extra action parameter key=value (repeatable)")
	return cmd
}
