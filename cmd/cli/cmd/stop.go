package cmd

import (
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop [execution_id]",
	Short: "Stop a running execution",
	Long:  `Ask the server running an execution to stop it. The request is asynchronous: the execution finishes with "execution stopped" once the server has acted on it.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClientFromConfig(cmd)
		if client == nil {
			return
		}

		if err := client.Stop(args[0]); err != nil {
			printAPIError(cmd, "Stop", err)
			return
		}
		cmd.Printf("Stop requested for %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
