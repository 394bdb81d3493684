package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"alertdesk/internal/app"
	"alertdesk/internal/event"
	"alertdesk/internal/source"
)

func newPollCmd(cfgPath *string) *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one ingestion tick and print its summary",
		Long: "poll runs a single tick against the configured source. With --file it replays a JSON array " +
			"of raw messages instead, which is useful for backfills and testing extraction rules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			opts := app.Options{Version: version}
			if file != "" {
				msgs, err := readMessages(file)
				if err != nil {
					return err
				}
				opts.Source = &source.Static{SourceName: "replay", Messages: msgs}
			}

			a, err := app.New(ctx, *cfgPath, opts)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopOneShot)
			}()

			res, err := a.Scheduler().RunOnce(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"summary":  res.Summary,
				"since":    res.Since,
				"next":     res.Next,
				"advanced": res.Advanced,
				"took":     res.Took.String(),
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "replay raw messages from a JSON file")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	return cmd
}

func readMessages(path string) ([]event.RawMessage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msgs []event.RawMessage
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return msgs, nil
}
