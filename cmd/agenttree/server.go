package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var serverOpts struct {
	scanSpec string
	syncSpec string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the manager scan and sync loop on a schedule until interrupted",
	Long: `Runs the same work "agenttree stalls" and "agenttree sync" run
once, on a cron schedule, until SIGINT/SIGTERM. This is the long-running
mode an operator leaves attached to a tmux pane or a service unit; "stalls"
and "sync" exist as their own one-shot commands for manual ticks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := currentApp()
		if err != nil {
			return err
		}

		c := cron.New()
		if _, err := c.AddFunc(serverOpts.scanSpec, func() {
			report, err := a.Manager.Scan(context.Background())
			if err != nil {
				a.Log.Warnf("scan: %v", err)
				return
			}
			printReport(report)
		}); err != nil {
			return fmt.Errorf("invalid --scan-interval %q: %w", serverOpts.scanSpec, err)
		}
		if _, err := c.AddFunc(serverOpts.syncSpec, func() {
			ctx := context.Background()
			if _, err := a.Sync.Sync(ctx, false, ""); err != nil {
				a.Log.Warnf("sync: %v", err)
				return
			}
			if err := a.Sync.PushPendingBranches(ctx); err != nil {
				a.Log.Warnf("push pending branches: %v", err)
			}
			if err := a.Sync.CheckPendingPRs(ctx); err != nil {
				a.Log.Warnf("check pending PRs: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid --sync-interval %q: %w", serverOpts.syncSpec, err)
		}

		a.Log.Printf("server started (scan %q, sync %q); Ctrl-C to stop\n", serverOpts.scanSpec, serverOpts.syncSpec)
		c.Start()
		defer c.Stop()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		a.Log.Printf("shutting down\n")
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	serverCmd.Flags().StringVar(&serverOpts.scanSpec, "scan-interval", "@every 1m", "Cron spec for the manager scan")
	serverCmd.Flags().StringVar(&serverOpts.syncSpec, "sync-interval", "@every 5m", "Cron spec for the sync loop")
	rootCmd.AddCommand(serverCmd)
}
