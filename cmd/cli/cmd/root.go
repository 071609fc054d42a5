package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensandbox/workbench/pkg/client"
)

var (
	baseURL    string
	apiKey     string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "wb",
	Short: "Workbench CLI - run commands and manage files in a workbench workspace",
	Long: `Workbench CLI (wb) talks to a workbench server.

It runs shell commands inside the server's workspace, reads and writes
workspace files, kills running sessions and manages workspace snapshots.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("WORKBENCH_URL", "http://localhost:3001"), "Workbench API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("WORKBENCH_API_KEY"), "Workbench API key")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func newClient() *client.Client {
	return client.NewClient(baseURL, apiKey)
}

func requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// isTTY reports whether w is an interactive terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// done prints a confirmation line, with a check mark on terminals.
func done(cmd *cobra.Command, format string, args ...any) {
	out := cmd.OutOrStdout()
	msg := fmt.Sprintf(format, args...)
	if isTTY(out) {
		msg = "✓ " + msg
	}
	fmt.Fprintln(out, msg)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
