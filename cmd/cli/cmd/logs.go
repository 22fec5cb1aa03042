package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"labplane/pkg/api"

	"github.com/spf13/cobra"
)

var follow bool

// pollInterval paces --follow polling.
var pollInterval = time.Second

var logsCmd = &cobra.Command{
	Use:   "logs [execution_id]",
	Short: "Stream output for an execution",
	Long: `Print the messages of an execution in order. stdout goes to stdout and
stderr to stderr. With --follow, keep polling until the execution ends.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		executionID := args[0]

		client := newClientFromConfig(cmd)
		if client == nil {
			return
		}

		// Trap Ctrl+C to exit gracefully
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var afterSeq int64 = -1
		for {
			page, err := client.GetMessages(executionID, afterSeq)
			if err != nil {
				printAPIError(cmd, "Fetching messages", err)
				if !follow {
					return
				}
				if !sleep(ctx, 2*pollInterval) {
					return
				}
				continue
			}

			for _, msg := range page.Messages {
				printMessage(cmd, msg)
				if api.Terminal(msg.Kind) {
					return
				}
			}
			afterSeq = page.NextSeq

			if len(page.Messages) > 0 {
				// There may be another page ready right away.
				continue
			}
			if !follow {
				return
			}
			if !sleep(ctx, pollInterval) {
				return
			}
		}
	},
}

func printMessage(cmd *cobra.Command, msg api.Message) {
	switch msg.Kind {
	case api.KindStdout:
		cmd.OutOrStdout().Write([]byte(msg.Data))
	case api.KindStderr:
		cmd.ErrOrStderr().Write([]byte(msg.Data))
	case api.KindOutputRedirected:
		cmd.Printf("%s→ Identical lab already ran; output is in execution %s%s\n", colorCyan, msg.Data, colorReset)
	case api.KindExecutionRejected:
		cmd.Printf("%s✗ Execution rejected: %s%s\n", colorRed, msg.Data, colorReset)
	case api.KindExecutionFinished:
		if msg.Data == "" {
			cmd.Printf("%s✓ Execution finished%s\n", colorGreen, colorReset)
		} else {
			cmd.Printf("%s✗ Execution finished: %s%s\n", colorRed, msg.Data, colorReset)
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow output until the execution ends")
}
