package record

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"datasync/internal/app/client"
)

var DeleteCmd = &cobra.Command{
	Use:   "delete <type> <key>...",
	Short: "Delete a record and the records that belong to it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := app.Start(cmd.Context()); err != nil {
			return err
		}

		key := parseKey(args[1:])
		if err := app.Delete(cmd.Context(), args[0], key); err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", color.RedString("deleted"), args[0], key)
		return nil
	},
}
