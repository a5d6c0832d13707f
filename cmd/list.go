package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/browsers"
)

func newListCmd(a *app) *cobra.Command {
	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the browsers installed on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := a.discover(cmd.Context(), browsers.OptionsFromConfig(a.cfg.Browser, a.logger))
			if err != nil {
				return fmt.Errorf("browser discovery failed: %w", err)
			}
			a.logger.Debug("Discovery finished.", zap.Int("count", len(found)))

			out := cmd.OutOrStdout()
			if asJSON {
				if found == nil {
					found = []browsers.FoundBrowser{}
				}
				if err := json.MarshalWrite(out, found, jsontext.WithIndent("  ")); err != nil {
					return err
				}
				_, err := fmt.Fprintln(out)
				return err
			}
			if len(found) == 0 {
				_, err := fmt.Fprintln(out, "No supported browsers found.")
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SELECTOR\tFAMILY\tVERSION\tPATH\tNOTE")
			for _, b := range found {
				note := b.Warning
				if note == "" {
					note = b.Info
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Selector(), b.Family, b.Version, b.Path, note)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return listCmd
}
