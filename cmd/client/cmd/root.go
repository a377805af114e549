package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"datasync/cmd/client/cmd/auth"
	"datasync/cmd/client/cmd/record"
	"datasync/cmd/client/cmd/sync"
	"datasync/internal/app/client"
	"datasync/internal/app/client/config"
	"datasync/internal/utils/logger"
)

var (
	serverAddress string
	schemaPath    string
	offline       bool
	debug         bool
)

var rootCmd = &cobra.Command{
	Use:   "datasync",
	Short: "datasync - offline-first record store client",
	Long: `datasync keeps a local copy of the records declared in the schema
descriptor and synchronizes it with a datasync server.

Every read and write goes to the local database first. Changes made
offline are queued and sent once the server is reachable.`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[client.AnnotationNoApp] == "true" {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverAddress != "" {
		cfg.ServerAddress = serverAddress
	}
	if schemaPath != "" {
		cfg.SchemaPath = schemaPath
	}
	cfg.Offline = cfg.Offline || offline
	if debug {
		cfg.Env = logger.EnvDev
	}

	log := logger.New(cfg.Env)
	app, err := client.New(cfg, log, cmd.Annotations[client.AnnotationOnline] == "true")
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	cmd.SetContext(client.WithApp(cmd.Context(), app))
	return nil
}

func closeApp(cmd *cobra.Command, _ []string) error {
	app, err := client.FromContext(cmd.Context())
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Close(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddress, "server", "", "server address (host:port)")
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "", "schema descriptor path")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "never contact the server")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(record.RecordCmd)
	record.RecordCmd.AddCommand(record.SaveCmd, record.GetCmd, record.ListCmd, record.DeleteCmd)

	rootCmd.AddCommand(sync.SyncCmd)
	sync.SyncCmd.AddCommand(sync.StatusCmd, sync.ClearCmd)

	rootCmd.AddCommand(auth.AuthCmd)
	auth.AuthCmd.AddCommand(auth.HashKeyCmd, auth.CheckCmd)
}
