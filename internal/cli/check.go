package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"alertdesk/internal/config"
)

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFiles(); err != nil {
				return err
			}
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			sections, _ := config.SummarizeConfigChange(nil, cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s (source=%s, sections=%s)\n",
				*cfgPath, config.SourceKind(cfg), strings.Join(sections, ","))
			return nil
		},
	}
}
