package sync

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"datasync/internal/app/client"
)

var assumeYes bool

var ClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the local database",
	Long: `Removes every local record, queued change and sync cursor. Queued
changes that were never sent are lost. The next sync pulls everything again.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		if !assumeYes {
			fmt.Print("Delete all local data? [y/N] ")
			answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if !strings.EqualFold(strings.TrimSpace(answer), "y") {
				fmt.Println("Aborted")
				return nil
			}
		}
		if err := app.Start(cmd.Context()); err != nil {
			return err
		}
		if err := app.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println(color.GreenString("Local data cleared"))
		return nil
	},
}

func init() {
	ClearCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
}
