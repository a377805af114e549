package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"datasync/internal/app/client"
	"datasync/internal/datastore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine in the foreground",
	Long: `Starts the engine, keeps the local database synchronized with the
server and prints engine events until interrupted.`,
	Annotations: map[string]string{client.AnnotationOnline: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return app.Run(ctx, printEvent)
	},
}

func printEvent(ev datastore.Event) {
	ts := color.HiBlackString(ev.Time.Format("15:04:05.000"))
	name := string(ev.Type)
	var detail string

	switch data := ev.Data.(type) {
	case datastore.StateChange:
		name = color.CyanString(name)
		detail = fmt.Sprintf("%s -> %s", data.From, data.To)
	case datastore.NetworkStatus:
		if data.Active {
			name = color.GreenString(name)
			detail = "online"
		} else {
			name = color.YellowString(name)
			detail = "offline"
		}
	case datastore.ModelSynced:
		kind := "delta"
		if data.FullSync {
			kind = "full"
		}
		detail = fmt.Sprintf("%s %s +%d ~%d -%d", data.Model, kind, data.Added, data.Updated, data.Deleted)
	case datastore.MutationEvent:
		detail = fmt.Sprintf("%s %s %s", data.Operation, data.TypeName, data.Key)
		if data.Err != nil {
			name = color.RedString(name)
			detail += ": " + data.Err.Error()
		} else if data.Version > 0 {
			detail += fmt.Sprintf(" v%d", data.Version)
		}
	case datastore.OutboxStatus:
		detail = fmt.Sprintf("%d pending", data.Pending)
	case datastore.SubscriptionData:
		name = color.MagentaString(name)
		detail = fmt.Sprintf("%s %s %s v%d", data.Operation, data.TypeName, data.Key, data.Version)
	case datastore.SyncQueriesStarted:
		detail = fmt.Sprint(data.Models)
	}
	fmt.Printf("%s %s %s\n", ts, name, detail)
}
