package record

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"datasync/internal/app/client"
	"datasync/internal/domain/record"
)

var getFormat string

var GetCmd = &cobra.Command{
	Use:   "get <type> <key>...",
	Short: "Show one record",
	Long:  `Shows a record by its primary key. Composite keys take one argument per key field.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := app.Start(cmd.Context()); err != nil {
			return err
		}

		stored, err := app.Get(cmd.Context(), args[0], parseKey(args[1:]))
		if errors.Is(err, record.ErrNotFound) {
			return fmt.Errorf("%s %s not found", args[0], parseKey(args[1:]))
		}
		if err != nil {
			return err
		}
		return printViews(getFormat, []view{toView(*stored)})
	},
}

func init() {
	GetCmd.Flags().StringVarP(&getFormat, "output", "o", "yaml", "output format: table, json or yaml")
}
