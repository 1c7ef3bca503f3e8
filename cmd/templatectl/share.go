package main

import (
	"github.com/spf13/cobra"

	"template-ledger/internal/model"
)

func newShareCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Grant and revoke access to templates",
	}
	cmd.AddCommand(
		newShareGrantCmd(c),
		newShareRevokeCmd(c),
		newShareListCmd(c),
		newShareForCmd(c),
	)
	return cmd
}

func newShareGrantCmd(c *cli) *cobra.Command {
	var edit, del bool
	cmd := &cobra.Command{
		Use:   "grant <template-id> <grantee>...",
		Short: "Share a template (read-only unless --edit or --delete)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			perms := model.Permissions{Read: true, Edit: edit, Delete: del}
			state, err := c.svc.Shares.Grant(cmd.Context(), args[0], args[1:], &perms)
			if err != nil {
				return err
			}
			c.printf("Template %s is shared with %d grantee(s)\n", state.TemplateID, len(state.Grants))
			return nil
		},
	}
	cmd.Flags().BoolVar(&edit, "edit", false, "Allow editing")
	cmd.Flags().BoolVar(&del, "delete", false, "Allow deletion")
	return cmd
}

func newShareRevokeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <template-id> <grantee>...",
		Short: "Withdraw grants",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := c.svc.Shares.Revoke(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			if !removed {
				c.printf("No matching grants on %s\n", args[0])
				return nil
			}
			c.printf("Revoked access to %s\n", args[0])
			return nil
		},
	}
}

func newShareListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list <template-id>",
		Short: "Show who a template is shared with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grants, err := c.svc.Shares.ListGrants(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(grants) == 0 {
				c.printf("Template %s is not shared\n", args[0])
				return nil
			}
			for _, g := range grants {
				c.printf("%-24s %-18s %s\n", g.GranteeID, permString(g.Permissions), g.GrantedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newShareForCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "for <grantee>",
		Short: "List templates shared with a grantee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shared, err := c.svc.Shares.ListForGrantee(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(shared) == 0 {
				c.printf("Nothing is shared with %s\n", args[0])
				return nil
			}
			for _, s := range shared {
				c.printf("%s  %-18s %s\n", s.Template.ID, permString(s.Permissions), s.Template.Name)
			}
			return nil
		},
	}
}

func permString(p model.Permissions) string {
	s := ""
	for _, part := range []struct {
		on   bool
		name string
	}{{p.Read, "read"}, {p.Edit, "edit"}, {p.Delete, "delete"}} {
		if !part.on {
			continue
		}
		if s != "" {
			s += ","
		}
		s += part.name
	}
	return s
}
