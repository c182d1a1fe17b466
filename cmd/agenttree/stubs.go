package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenttree/agenttree/internal/apperrors"
)

// unsupported builds a RunE that reports a command as belonging to an
// out-of-scope adapter: it exists in the command tree because operators
// expect to find it there, but this build doesn't carry the
// presentation/transport layer behind it.
func unsupported(what string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("%w: %s", apperrors.ErrUnsupported, what)
	}
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive terminal UI (not included in this build)",
	Long: `The full-screen dashboard is a separate presentation layer over the
same engines this CLI drives. Use "agenttree issue list", "stalls", and
"attach" for the equivalent information one command at a time.`,
	Args: cobra.NoArgs,
	RunE: unsupported("tui"),
}

var mcpOpts struct {
	http bool
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol server (not included in this build)",
	Long: `An MCP/HTTP adapter would expose the same engines this CLI drives
over a network transport. Drive them directly through the CLI instead.`,
	Args: cobra.NoArgs,
	RunE: unsupported("mcp server"),
}

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Notes migration helper (not included in this build)",
}

var notesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show notes for an issue (not included in this build)",
	Args:  cobra.ExactArgs(1),
	RunE:  unsupported("notes show"),
}

var notesSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search notes (not included in this build)",
	Args:  cobra.ExactArgs(1),
	RunE:  unsupported("notes search"),
}

var notesArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive notes for an issue (not included in this build)",
	Args:  cobra.ExactArgs(1),
	RunE:  unsupported("notes archive"),
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Remote-host dispatch (not included in this build)",
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured remote hosts (not included in this build)",
	Args:  cobra.NoArgs,
	RunE:  unsupported("remote list"),
}

var remoteStartCmd = &cobra.Command{
	Use:   "start <host>",
	Short: "Start an agent on a remote host (not included in this build)",
	Args:  cobra.ExactArgs(1),
	RunE:  unsupported("remote start"),
}

func init() {
	mcpCmd.Flags().BoolVar(&mcpOpts.http, "http", false, "Serve over HTTP instead of stdio")
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(mcpCmd)

	notesCmd.AddCommand(notesShowCmd, notesSearchCmd, notesArchiveCmd)
	rootCmd.AddCommand(notesCmd)

	remoteCmd.AddCommand(remoteListCmd, remoteStartCmd)
	rootCmd.AddCommand(remoteCmd)
}
