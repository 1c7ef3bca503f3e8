package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"

	"template-ledger/internal/model"
)

func newVersionCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{"ver"},
		Short:   "Record, compare and restore template versions",
	}
	cmd.AddCommand(
		newVersionCreateCmd(c),
		newVersionListCmd(c),
		newVersionDiffCmd(c),
		newVersionRestoreCmd(c),
	)
	return cmd
}

func newVersionCreateCmd(c *cli) *cobra.Command {
	var note, changes string
	cmd := &cobra.Command{
		Use:   "create <template-id>",
		Short: "Snapshot the template's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var changeMap map[string]any
			if changes != "" {
				if err := json.Unmarshal([]byte(changes), &changeMap); err != nil {
					return fmt.Errorf("--changes must be a JSON object: %w", err)
				}
			}
			entry, err := c.svc.Ledger.CreateVersion(cmd.Context(), args[0], changeMap, note)
			if err != nil {
				return err
			}
			c.printf("Recorded version %s of %s\n", entry.VersionID, entry.TemplateID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&note, "note", "m", "", "Free-form note stored with the version")
	cmd.Flags().StringVar(&changes, "changes", "", "JSON object describing the change")
	return cmd
}

func newVersionListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list <template-id>",
		Short: "List versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := c.svc.Ledger.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				c.printf("No versions recorded\n")
				return nil
			}
			for _, e := range entries {
				c.printf("%s  %s  %d field(s)", e.VersionID, e.CreatedAt.Local().Format("2006-01-02 15:04:05"), len(e.Snapshot.Fields))
				if e.Note != "" {
					c.printf("  %s", truncate(e.Note, 60))
				}
				c.printf("\n")
			}
			return nil
		},
	}
}

func newVersionDiffCmd(c *cli) *cobra.Command {
	var asJSON, asToon bool
	cmd := &cobra.Command{
		Use:   "diff <template-id> <from-version> <to-version>",
		Short: "Compare the fields of two versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			diff, err := c.svc.Ledger.DiffVersions(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}

			if asJSON {
				return c.printJSON(diff)
			}
			if asToon {
				output, err := gotoon.Encode(diff)
				if err != nil {
					return fmt.Errorf("failed to encode Toon: %w", err)
				}
				c.printf("%s\n", output)
				return nil
			}
			c.printDiff(diff)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&asToon, "toon", false, "Output in LLM-friendly toon format")
	cmd.MarkFlagsMutuallyExclusive("json", "toon")
	return cmd
}

func (c *cli) printDiff(diff *model.DiffResult) {
	c.printf("Version Comparison\n")
	c.printf("━━━━━━━━━━━━━━━━━━\n\n")
	c.printf("From: %s\n", diff.FromVersionID)
	c.printf("To:   %s\n\n", diff.ToVersionID)

	if len(diff.FieldsAdded) == 0 && len(diff.FieldsRemoved) == 0 && len(diff.FieldsModified) == 0 {
		c.printf("Fields: (unchanged)\n")
		return
	}
	if len(diff.FieldsAdded) > 0 {
		c.printf("Added:    %s\n", strings.Join(diff.FieldsAdded, ", "))
	}
	if len(diff.FieldsRemoved) > 0 {
		c.printf("Removed:  %s\n", strings.Join(diff.FieldsRemoved, ", "))
	}
	for _, m := range diff.Modifications {
		c.printf("Modified: %s\n", m.Name)
		c.printf("  %s → %s\n", describeState(m.Before), describeState(m.After))
	}
}

func describeState(s model.FieldState) string {
	parts := []string{s.DataType}
	if s.Required {
		parts = append(parts, "required")
	}
	if s.Rule != nil {
		parts = append(parts, fmt.Sprintf("rule=%v", s.Rule))
	}
	return strings.Join(parts, ", ")
}

func newVersionRestoreCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <template-id> <version-id>",
		Short: "Bring a template back to a recorded version",
		Long: `Bring a template back to a recorded version. The current state is
recorded as a backup version first, so a restore can itself be undone.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backup, err := c.svc.Ledger.RestoreVersion(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			c.printf("Restored %s to %s (backup version %s)\n", args[0], args[1], backup.VersionID)
			return nil
		},
	}
}
