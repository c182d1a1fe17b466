package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/agenttree/agenttree/internal/issuestore"
	"github.com/agenttree/agenttree/internal/naming"
	"github.com/agenttree/agenttree/internal/tmux"
)

var sessionOpts struct {
	role string
}

// sessionName resolves an issue id and role to the deterministic tmux
// session name the rest of the fleet addresses it by.
func sessionName(a *app, issueID, role string) (string, error) {
	padded, err := issuestore.NormalizeID(issueID)
	if err != nil {
		return "", err
	}
	return naming.ContainerName(a.Config.Project, roleOrDefault(role), padded), nil
}

var attachCmd = &cobra.Command{
	Use:   "attach <id>",
	Short: "Attach to a running agent's tmux session",
	Long: `Execs the real tmux binary's attach-session against the issue's
session, handing over the terminal. Detach with the usual tmux prefix
(Ctrl-b d) to return to the shell.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		name, err := sessionName(a, args[0], sessionOpts.role)
		if err != nil {
			return err
		}
		exists, err := a.Tmux.SessionExists(context.Background(), name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", tmux.ErrNoSession, name)
		}
		c := exec.Command("tmux", "attach-session", "-t", name)
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
		return c.Run()
	},
}

var sendOpts struct {
	role      string
	interrupt bool
}

var sendCmd = &cobra.Command{
	Use:   "send <id> <message>",
	Short: "Send a message to a running agent",
	Long: `Types message into the issue's tmux session and submits it. With
--interrupt, sends an interrupt keystroke first, for tools that need to
be knocked out of a running turn before they'll read new input.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		name, err := sessionName(a, args[0], sendOpts.role)
		if err != nil {
			return err
		}
		result, err := a.Tmux.SendMessage(context.Background(), name, args[1], sendOpts.interrupt, nil)
		if err != nil {
			return err
		}
		switch result {
		case tmux.SendSent:
			fmt.Println("sent")
			return nil
		case tmux.SendNoSession:
			return fmt.Errorf("%w: %s", tmux.ErrNoSession, name)
		case tmux.SendToolExited:
			return fmt.Errorf("tool process in %s has exited", name)
		default:
			return fmt.Errorf("send failed")
		}
	},
}

var outputOpts struct {
	role  string
	lines int
}

var outputCmd = &cobra.Command{
	Use:   "output <id>",
	Short: "Print a running agent's pane contents",
	Long:  `Captures the last -n lines (default 100, 0 for the full scrollback) of the issue's tmux pane without attaching to it.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}
		name, err := sessionName(a, args[0], outputOpts.role)
		if err != nil {
			return err
		}
		lines := outputOpts.lines
		if lines == 0 {
			lines = -1
		}
		pane, err := a.Tmux.CapturePane(context.Background(), name, lines)
		if err != nil {
			return err
		}
		fmt.Println(pane)
		return nil
	},
}

func init() {
	attachCmd.Flags().StringVar(&sessionOpts.role, "role", "", "Role to attach to (default: developer)")
	rootCmd.AddCommand(attachCmd)

	sendCmd.Flags().StringVar(&sendOpts.role, "role", "", "Role to send to (default: developer)")
	sendCmd.Flags().BoolVar(&sendOpts.interrupt, "interrupt", false, "Interrupt the current turn before sending")
	rootCmd.AddCommand(sendCmd)

	outputCmd.Flags().StringVar(&outputOpts.role, "role", "", "Role to read from (default: developer)")
	outputCmd.Flags().IntVarP(&outputOpts.lines, "lines", "n", 100, "Lines of scrollback to print (0 for all)")
	rootCmd.AddCommand(outputCmd)
}
