package sync

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"datasync/internal/app/client"
)

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued changes and sync progress",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		st, err := app.Status(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Records: %d\n", st.Records)
		if len(st.Pending) == 0 {
			fmt.Println("Queued changes: " + color.GreenString("none"))
		} else {
			fmt.Println("Queued changes: " + color.YellowString("%d", len(st.Pending)))
			for _, e := range st.Pending {
				fmt.Printf("  %-6s %s %s (queued %s)\n", e.Operation, e.TypeName, e.Key, e.EnqueuedAt.Local().Format(time.DateTime))
			}
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tLAST SYNC\tLAST FULL SYNC\t")
		for _, c := range st.Cursors {
			fmt.Fprintf(w, "%s\t%s\t%s\t\n", c.TypeName, formatTime(c.LastSync), formatTime(c.LastFullSync))
		}
		return w.Flush()
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
