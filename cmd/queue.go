package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawroute/internal/config"
	"github.com/nextlevelbuilder/clawroute/internal/outbound/queue"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the delivery queue",
	}
	cmd.AddCommand(queuePendingCmd())
	cmd.AddCommand(queuePurgeCmd())
	return cmd
}

func openQueue() (*queue.Queue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return queue.Open(config.ExpandHome(cfg.Delivery.QueuePath))
}

func queuePendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List deliveries not yet acked",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			records, err := q.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no pending deliveries")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%s  %-8s  %s → %s  chunk %d/%d  %s\n",
					rec.CreatedAt.Format(time.RFC3339), rec.Status,
					rec.Channel, rec.To, rec.Chunk, rec.Chunks, rec.Error)
			}
			return nil
		},
	}
}

func queuePurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finalized delivery records older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			n, err := q.PurgeOlderThan(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			slog.Info("queue purged", "records", n, "older_than", olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "purge records finalized before now minus this duration")
	return cmd
}
