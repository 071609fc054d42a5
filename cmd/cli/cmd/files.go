package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage files in the workspace",
	Long:  `Read, write, list, and delete files in the workspace. Paths are relative to the workspace root.`,
}

var catCmd = &cobra.Command{
	Use:     "cat <path>",
	Aliases: []string{"read"},
	Short:   "Read a file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		content, err := newClient().ReadFile(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), content)
		return nil
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <path> <content>",
	Short: "Write content to a file",
	Long: `Write content to a file, creating parent directories. Use - to read from stdin.
Example: wb files write notes/todo.txt "hello world"
         echo "hello" | wb files write notes/todo.txt -`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, content := args[0], args[1]

		if content == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read from stdin: %w", err)
			}
			content = string(data)
		}

		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		if err := newClient().WriteFile(ctx, path, content); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		done(cmd, "File written: %s", path)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List files in a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}

		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		files, err := newClient().ListDir(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to list directory: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, files)
		}
		out := cmd.OutOrStdout()
		if len(files) == 0 {
			fmt.Fprintln(out, "(empty directory)")
			return nil
		}

		longFormat, _ := cmd.Flags().GetBool("long")
		if longFormat {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, f := range files {
				typ := "-"
				if f.IsDirectory {
					typ = "d"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", typ, f.Size, f.Name)
			}
			return w.Flush()
		}
		for _, f := range files {
			if f.IsDirectory {
				fmt.Fprintf(out, "%s/\n", f.Name)
			} else {
				fmt.Fprintln(out, f.Name)
			}
		}
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a directory and its parents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		if err := newClient().CreateDir(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		done(cmd, "Directory created: %s", args[0])
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Remove a file or directory tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		if err := newClient().Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to remove: %w", err)
		}
		done(cmd, "Removed: %s", args[0])
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show file metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()

		info, err := newClient().Stat(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to stat: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s %s\n", info.Mode, info.Size, info.ModTime, info.Name)
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Download, upload and restore workspace snapshots",
}

var snapshotDownloadCmd = &cobra.Command{
	Use:   "download <file>",
	Short: "Download the workspace as a tar.zst archive (- for stdout)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if args[0] != "-" {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		} else if isTTY(out) {
			return fmt.Errorf("refusing to write a binary archive to a terminal")
		}

		ctx, cancel := requestContext(10 * time.Minute)
		defer cancel()

		n, err := newClient().DownloadSnapshot(ctx, out)
		if err != nil {
			return fmt.Errorf("failed to download snapshot: %w", err)
		}
		if args[0] != "-" {
			done(cmd, "Snapshot saved: %s (%d bytes)", args[0], n)
		}
		return nil
	},
}

var snapshotUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Archive the workspace into the server's object storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(10 * time.Minute)
		defer cancel()

		res, err := newClient().UploadSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("failed to upload snapshot: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd, res)
		}
		done(cmd, "Snapshot uploaded: %s (%d bytes)", res.Key, res.SizeBytes)
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <key>",
	Short: "Extract a stored snapshot over the workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(10 * time.Minute)
		defer cancel()

		n, err := newClient().RestoreSnapshot(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
		done(cmd, "Restored %d entries from %s", n, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(snapshotCmd)

	filesCmd.AddCommand(catCmd)
	filesCmd.AddCommand(writeCmd)
	filesCmd.AddCommand(lsCmd)
	filesCmd.AddCommand(mkdirCmd)
	filesCmd.AddCommand(rmCmd)
	filesCmd.AddCommand(statCmd)

	snapshotCmd.AddCommand(snapshotDownloadCmd)
	snapshotCmd.AddCommand(snapshotUploadCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)

	lsCmd.Flags().BoolP("long", "l", false, "Use long listing format")
}
