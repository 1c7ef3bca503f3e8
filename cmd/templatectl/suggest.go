package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSuggestCmd(c *cli) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "suggest [data.json]",
		Short: "Rank templates against a JSON data payload",
		Long: `Rank templates against a JSON object read from a file or standard input.
Nested objects contribute their leaf keys.

Example:
  echo '{"nameFull": "Ada", "taxId": "42"}' | templatectl suggest`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			f, err := c.openInput(path)
			if err != nil {
				return err
			}
			defer f.Close()

			var data map[string]any
			if err := json.NewDecoder(f).Decode(&data); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}

			results, err := c.svc.Suggest.Suggest(cmd.Context(), data)
			if err != nil {
				return err
			}
			if limit > 0 && len(results) > limit {
				results = results[:limit]
			}
			if asJSON {
				return c.printJSON(results)
			}
			if len(results) == 0 {
				c.printf("No template matches the payload\n")
				return nil
			}
			for _, r := range results {
				c.printf("%.3f  %s  %s\n", r.MatchScore, r.TemplateID, r.Name)
				if len(r.MatchingFields) > 0 {
					c.printf("       matched: %s\n", strings.Join(r.MatchingFields, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n suggestions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
