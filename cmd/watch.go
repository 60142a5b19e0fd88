package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawroute/internal/bus"
	"github.com/nextlevelbuilder/clawroute/internal/config"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the config file and hot-reload bindings on change",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			path := resolveConfigPath()
			slog.Info("watching config", "path", path)
			err = config.Watch(ctx, path, cfg, func(c *config.Config) {
				rt.bus.Broadcast(bus.Event{
					Name:    bus.EventConfigReload,
					Payload: bus.ConfigReloadPayload{Path: path, Bindings: len(c.Bindings)},
				})
				slog.Info("bindings reloaded", "bindings", len(c.Bindings))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
