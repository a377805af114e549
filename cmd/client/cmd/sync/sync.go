package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"datasync/internal/app/client"
)

var (
	fullSync    bool
	syncTimeout time.Duration
)

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the server",
	Long: `Pulls the changes made on the server since the last sync, sends the
queued local changes and waits until the queue is empty.

With --full every record is pulled again instead of only the changes.`,
	Annotations: map[string]string{client.AnnotationOnline: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
		defer cancel()

		fmt.Println("Checking server connection...")
		if err := app.CheckConnection(ctx); err != nil {
			return fmt.Errorf("server unavailable: %w", err)
		}

		report, err := app.Sync(ctx, fullSync)
		if report != nil {
			printReport(report)
		}
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Println(color.GreenString("Sync complete"))
		return nil
	},
}

func printReport(r *client.SyncReport) {
	for _, m := range r.Models {
		kind := "delta"
		if m.FullSync {
			kind = "full"
		}
		fmt.Printf("  %-20s %-5s +%d ~%d -%d\n", m.Model, kind, m.Added, m.Updated, m.Deleted)
	}
	fmt.Printf("Sent: %d  Failed: %d  Still queued: %d  (%v)\n",
		r.Pushed, r.Failed, r.Pending, r.Duration.Round(time.Millisecond))
	if r.Failed > 0 {
		fmt.Println(color.YellowString("Failed changes were dropped; the server copy was kept."))
	}
}

func init() {
	SyncCmd.Flags().BoolVar(&fullSync, "full", false, "pull every record again")
	SyncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "give up after this long")
}
