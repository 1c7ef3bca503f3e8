package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newTemplateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"tpl"},
		Short:   "Create, inspect and edit templates",
	}
	cmd.AddCommand(
		newTemplateCreateCmd(c),
		newTemplateListCmd(c),
		newTemplateGetCmd(c),
		newTemplateUpdateCmd(c),
		newTemplateDeleteCmd(c),
		newTemplateAddFieldCmd(c),
		newTemplateRemoveFieldCmd(c),
		newTemplateRuleCmd(c),
		newTemplateSearchCmd(c),
		newTemplateImportCmd(c),
	)
	return cmd
}

func newTemplateCreateCmd(c *cli) *cobra.Command {
	var description, owner string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := c.svc.Templates.CreateOwned(cmd.Context(), owner, args[0], description)
			if err != nil {
				return err
			}
			c.printf("Created template %s (%s)\n", tmpl.ID, tmpl.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Template description")
	cmd.Flags().StringVar(&owner, "owner", "", "Identity that owns the template")
	return cmd
}

func newTemplateListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			templates, err := c.svc.Templates.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(templates) == 0 {
				c.printf("No templates found\n")
				return nil
			}

			c.printf("Found %d template(s):\n\n", len(templates))
			for _, tmpl := range templates {
				c.printf("  %s\n", tmpl.ID)
				c.printf("    Name:    %s\n", tmpl.Name)
				if tmpl.Description != "" {
					c.printf("    About:   %s\n", truncate(tmpl.Description, 80))
				}
				c.printf("    Fields:  %s\n", strings.Join(tmpl.FieldNames(), ", "))
				c.printf("    Created: %s\n", tmpl.CreatedAt.Local().Format("2006-01-02 15:04"))
				if tmpl.OwnerID != "" {
					c.printf("    Owner:   %s\n", tmpl.OwnerID)
				}
				c.printf("\n")
			}
			return nil
		},
	}
}

func newTemplateGetCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := c.svc.Templates.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return c.printJSON(tmpl)
			}
			return c.printYAML(tmpl)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON instead of YAML")
	return cmd
}

func newTemplateUpdateCmd(c *cli) *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a template's name or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" && description == "" {
				return fmt.Errorf("nothing to update: pass --name or --description")
			}
			tmpl, err := c.svc.Templates.Update(cmd.Context(), args[0], name, description)
			if err != nil {
				return err
			}
			c.printf("Updated template %s (%s)\n", tmpl.ID, tmpl.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVarP(&description, "description", "d", "", "New description")
	return cmd
}

func newTemplateDeleteCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a template with its versions and grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !yes {
				tmpl, err := c.svc.Templates.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				ok, err := c.confirm(fmt.Sprintf("Delete template %q (%s) and its history?", tmpl.Name, id))
				if err != nil {
					return err
				}
				if !ok {
					c.printf("Cancelled\n")
					return nil
				}
			}

			existed, err := c.svc.Templates.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !existed {
				c.printf("Template %s did not exist\n", id)
				return nil
			}
			c.printf("Deleted template %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func newTemplateAddFieldCmd(c *cli) *cobra.Command {
	var dataType string
	var required bool
	cmd := &cobra.Command{
		Use:   "add-field <id> <name>",
		Short: "Append a field to a template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := c.svc.Templates.AddField(cmd.Context(), args[0], args[1], dataType, required)
			if err != nil {
				return err
			}
			c.printf("Template %s now has %d field(s)\n", tmpl.ID, len(tmpl.Fields))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataType, "type", "t", "string", "Data type of the field")
	cmd.Flags().BoolVarP(&required, "required", "r", false, "Mark the field as required")
	return cmd
}

func newTemplateRemoveFieldCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-field <id> <name>",
		Short: "Remove a field and its validation rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := c.svc.Templates.RemoveField(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			c.printf("Template %s now has %d field(s)\n", tmpl.ID, len(tmpl.Fields))
			return nil
		},
	}
}

func newTemplateRuleCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rule <id> <field> <rule>",
		Short: "Attach a validation rule to a field",
		Long: `Attach a validation rule to a field. The rule is stored as given:
a valid JSON value is stored decoded, anything else as a plain string.

Example:
  templatectl template rule <id> email '{"pattern": "^.+@.+$"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := c.svc.Templates.SetValidationRule(cmd.Context(), args[0], args[1], parseRule(args[2]))
			if err != nil {
				return err
			}
			c.printf("Set rule on %s.%s\n", tmpl.ID, args[1])
			return nil
		},
	}
}

func parseRule(raw string) any {
	var rule any
	if err := json.Unmarshal([]byte(raw), &rule); err == nil {
		return rule
	}
	return raw
}

func newTemplateSearchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Find templates by name or description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := c.svc.Templates.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(results) == 0 {
				c.printf("No templates match\n")
				return nil
			}
			for _, r := range results {
				c.printf("%.2f  %s  %s\n", r.Score, r.Template.ID, r.Template.Name)
			}
			return nil
		},
	}
}

func newTemplateImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import <id> <file.csv>",
		Short: "Add fields from the header row of a CSV file",
		Long: `Add fields from the header row of a CSV file ("-" reads standard input).
A trailing "*" marks a required field; an optional second row of known type
names sets the data types.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c.openInput(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			tmpl, added, err := c.svc.Templates.ImportFields(cmd.Context(), args[0], f)
			if err != nil {
				return err
			}
			c.printf("Added %d field(s) to %s", len(added), tmpl.ID)
			if len(added) > 0 {
				c.printf(": %s", strings.Join(added, ", "))
			}
			c.printf("\n")
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
