package record

import (
	"github.com/spf13/cobra"

	"datasync/internal/app/client"
	"datasync/internal/domain/predicate"
)

var (
	listFormat string
	listWhere  []string
)

var ListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List records of a type",
	Long:  `Lists the visible local records of a type, optionally filtered by field equality.`,
	Example: `  datasync record list Task --where done=false --where projectId=p1
  datasync record list Project -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		conds, err := parseFields(listWhere)
		if err != nil {
			return err
		}
		filter := predicate.All()
		if len(conds) > 0 {
			var ps []predicate.Predicate
			for name, v := range conds {
				ps = append(ps, predicate.Eq(name, v))
			}
			filter = predicate.And(ps...)
		}
		if err := app.Start(cmd.Context()); err != nil {
			return err
		}

		rows, err := app.List(cmd.Context(), args[0], filter)
		if err != nil {
			return err
		}
		views := make([]view, 0, len(rows))
		for _, r := range rows {
			views = append(views, toView(r))
		}
		return printViews(listFormat, views)
	},
}

func init() {
	ListCmd.Flags().StringVarP(&listFormat, "output", "o", "table", "output format: table, json or yaml")
	ListCmd.Flags().StringArrayVarP(&listWhere, "where", "w", nil, "field=value condition, repeatable")
}
