package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "labctl is a command line tool for interacting with labplane",
	Long: `labctl is the command-line interface for labplane.

labplane runs labs (bundles of source files) in an isolated sandbox on a chosen
server. Identical labs are only run once: a resubmission is redirected to the
output of the earlier run.

Common workflows:

  Submit the current directory as a lab:
    labctl submit . --lab-id my-lab --server local

  Check execution status:
    labctl status <execution-id>

  Stream output:
    labctl logs <execution-id> --follow

  Stop a running execution:
    labctl stop <execution-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    LABPLANE_URL      API endpoint (default: http://localhost:6161)
    LABPLANE_TOKEN    API key for authentication`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".labctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".labctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "LABPLANE_VARNAME"
	viper.SetEnvPrefix("LABPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.labctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "labplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// newClientFromConfig returns a client for the configured controller,
// or nil after telling the user that no token is set.
func newClientFromConfig(cmd *cobra.Command) *LabClient {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the LABPLANE_TOKEN environment variable")
		return nil
	}
	return NewLabClient(viper.GetString("url"), token)
}

// printAPIError reports a failed call, showing the status code for API errors.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}
