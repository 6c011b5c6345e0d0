package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/botfleet-console/internal/fleetapi"
)

func newAnalyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "analytics <market|trends|compare>",
		Short:     "Fetch an analytics document",
		Long:      "Fetches one of the fleet's analytics documents and prints it as indented JSON.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(fleetapi.AnalyticsMarket), string(fleetapi.AnalyticsTrends), string(fleetapi.AnalyticsCompare)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := fleetapi.ParseAnalyticsKind(args[0])
			if err != nil {
				return err
			}
			client, err := fleetClient(cmd.Context())
			if err != nil {
				return err
			}
			doc, err := client.Analytics(cmd.Context(), kind)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, doc, "", "  "); err != nil {
				return fmt.Errorf("format analytics: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buf.String()))
			return nil
		},
	}
}
