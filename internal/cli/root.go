// Package cli holds the alertdesk command tree.
package cli

import "github.com/spf13/cobra"

var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "./config.yaml"

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "alertdesk",
		Short:         "Ingest chat notifications and alert operators",
		Long:          "alertdesk polls a message source, stores deduplicated events and pushes unread alerts to connected clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config file (.json, .yaml)")
	cmd.AddCommand(newServeCmd(&cfgPath))
	cmd.AddCommand(newPollCmd(&cfgPath))
	cmd.AddCommand(newCheckCmd(&cfgPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func Execute() error {
	return newRootCmd().Execute()
}
