package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"datasync/internal/app/client"
	serverauth "datasync/internal/app/server/api/http/middleware/auth"
)

var AuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "API key helpers",
}

var HashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Hash an API key for the server's API_KEY_HASHES",
	Long: `Reads an API key from the terminal and prints its bcrypt hash. Add the
hash to API_KEY_HASHES on the server and the key to API_KEY on clients.`,
	Annotations: map[string]string{client.AnnotationNoApp: "true"},
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Print("API key: ")
		key, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if len(strings.TrimSpace(string(key))) < 16 {
			return fmt.Errorf("API key must be at least 16 characters")
		}

		hash, err := serverauth.HashKey(string(key))
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var CheckCmd = &cobra.Command{
	Use:         "check",
	Short:       "Check that the server accepts the configured API key",
	Annotations: map[string]string{client.AnnotationOnline: "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		app, err := client.FromContext(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := app.CheckConnection(ctx); err != nil {
			return fmt.Errorf("server unavailable: %w", err)
		}
		if err := app.CheckAuth(ctx); err != nil {
			return err
		}
		fmt.Println(color.GreenString("API key accepted"))
		return nil
	},
}
