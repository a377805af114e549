package record

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"datasync/internal/app/client"
)

var saveFields []string

var SaveCmd = &cobra.Command{
	Use:   "save <type> --field name=value...",
	Short: "Create or update a record",
	Long: `Saves a record of the given type. Saving an existing key updates that
record. A type keyed by a single field gets a random id when the key field
is not given.`,
	Example: `  datasync record save Task --field id=t1 --field projectId=p1 --field title="Buy milk" --field priority=2`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		fields, err := parseFields(saveFields)
		if err != nil {
			return err
		}
		model, err := app.Registry().Model(args[0])
		if err != nil {
			return err
		}
		// A single-field key left out gets a generated id.
		if len(model.PrimaryKey) == 1 {
			if _, ok := fields[model.PrimaryKey[0]]; !ok {
				fields[model.PrimaryKey[0]] = uuid.NewString()
			}
		}
		if err := app.Start(cmd.Context()); err != nil {
			return err
		}

		stored, err := app.Save(cmd.Context(), args[0], fields)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s (%s)\n", color.GreenString("saved"), stored.Metadata.TypeName, stored.Metadata.Key, stored.State)
		return nil
	},
}

func init() {
	SaveCmd.Flags().StringArrayVarP(&saveFields, "field", "f", nil, "field as name=value, repeatable")
}
