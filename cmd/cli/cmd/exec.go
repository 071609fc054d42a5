package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opensandbox/workbench/pkg/types"
)

var execCmd = &cobra.Command{
	Use:   "exec <command> [args...]",
	Short: "Execute a shell command in the workspace",
	Long: `Execute a command through the server's shell and print its output.
Arguments are joined with spaces, so quote shell syntax as one argument.
Example: wb exec "cd src && ls -la"
         wb exec --stream --cwd build make`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, _ := cmd.Flags().GetString("cwd")
		sessionID, _ := cmd.Flags().GetString("session")
		stream, _ := cmd.Flags().GetBool("stream")

		if sessionID == "" && stream {
			sessionID = uuid.NewString()
		}
		req := types.ExecuteRequest{
			Command:   strings.Join(args, " "),
			Cwd:       cwd,
			SessionID: sessionID,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, 2*time.Minute)
		defer cancelTimeout()

		c := newClient()
		var (
			result *types.ExecuteResponse
			err    error
		)
		if stream {
			result, err = c.ExecuteStream(ctx, req, func(f types.StreamFrame) {
				if f.Type == types.FrameStderr {
					fmt.Fprint(cmd.ErrOrStderr(), f.Data)
					return
				}
				fmt.Fprint(cmd.OutOrStdout(), f.Data)
			})
		} else {
			result, err = c.Execute(ctx, req)
		}
		if err != nil {
			return fmt.Errorf("failed to execute command: %w", err)
		}

		if jsonOutput {
			return printJSON(cmd, result)
		}
		if !stream {
			out := result.Output
			if !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
		}
		if result.TimedOut {
			return fmt.Errorf("command timed out")
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Terminate the process running under a session id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		found, err := newClient().Kill(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
		if !found {
			return fmt.Errorf("process not found: %s", args[0])
		}
		done(cmd, "Killed session %s", args[0])
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List running session processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		procs, err := newClient().Processes(ctx)
		if err != nil {
			return fmt.Errorf("failed to list processes: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, procs)
		}
		if len(procs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No running processes")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tPID\tSTARTED\tCOMMAND")
		for _, p := range procs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.SessionID, p.PID, p.StartedAt.Local().Format(time.TimeOnly), p.Command)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently executed commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		entries, err := newClient().History(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, entries)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tOUTCOME\tEXIT\tDURATION\tCWD\tCOMMAND")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				e.CreatedAt.Local().Format(time.DateTime), e.Outcome, e.ExitCode,
				time.Duration(e.DurationMs)*time.Millisecond, e.Cwd, e.Command)
		}
		return w.Flush()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the server is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		h, err := newClient().Health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, h)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", h.Status, h.Timestamp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(healthCmd)

	execCmd.Flags().String("cwd", "", "Working directory relative to the workspace root")
	execCmd.Flags().String("session", "", "Session id, so the command can be killed with 'wb kill'")
	execCmd.Flags().Bool("stream", false, "Stream output as it is produced")
	historyCmd.Flags().Int("limit", 20, "Number of entries to show")
}
