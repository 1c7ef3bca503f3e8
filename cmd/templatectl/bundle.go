package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"template-ledger/internal/bundle"
	"template-ledger/internal/config"
	"template-ledger/internal/objectstore"
	"template-ledger/pkg/fsutils"
)

func (c *cli) exportBundle(cmd *cobra.Command) ([]byte, *bundle.Bundle, error) {
	b, err := bundle.Export(cmd.Context(), c.svc.Store, c.now())
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if err := bundle.Encode(&buf, b); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), b, nil
}

func (c *cli) importBundle(cmd *cobra.Command, r io.Reader, replace bool) error {
	b, err := bundle.Decode(r)
	if err != nil {
		return err
	}
	stats, err := c.svc.Importer.Import(cmd.Context(), b, replace)
	if err != nil {
		return err
	}
	c.printf("Imported %d template(s) with %d version(s) and %d grant(s); skipped %d existing\n",
		stats.Imported, stats.Versions, stats.Shares, stats.Skipped)
	return nil
}

func newExportCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every template, version and grant as a YAML bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, b, err := c.exportBundle(cmd)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err := c.out.Write(data)
				return err
			}

			if err := fsutils.CreateDir(filepath.Dir(output)); err != nil {
				return err
			}
			if err := fsutils.WriteFileAtomic(output, data, 0644); err != nil {
				return err
			}
			c.printf("Exported %d template(s) to %s\n", len(b.Templates), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Bundle file to write (default standard output)")
	return cmd
}

func newImportBundleCmd(c *cli) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import-bundle <bundle.yaml>",
		Short: "Load a YAML bundle into the store",
		Long: `Load a YAML bundle ("-" reads standard input). Templates that already
exist are skipped unless --replace is given, which deletes them with their
history and grants before loading the bundled copy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c.openInput(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return c.importBundle(cmd, f, replace)
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Overwrite templates that already exist")
	return cmd
}

func newBackupCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Keep bundles in S3-compatible object storage",
	}

	push := &cobra.Command{
		Use:   "push",
		Short: "Upload a bundle of the whole store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.svc.Backups(cmd.Context())
			if err != nil {
				return err
			}
			data, b, err := c.exportBundle(cmd)
			if err != nil {
				return err
			}
			key, err := client.Push(cmd.Context(), data, b.ExportedAt)
			if err != nil {
				return err
			}
			c.printf("Uploaded %d template(s) to %s\n", len(b.Templates), key)
			return nil
		},
	}

	var replace bool
	pull := &cobra.Command{
		Use:   "pull [key]",
		Short: "Download a bundle (the newest by default) and import it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.svc.Backups(cmd.Context())
			if err != nil {
				return err
			}
			var key string
			if len(args) == 1 {
				key = args[0]
			} else if key, err = client.Latest(cmd.Context()); err != nil {
				if errors.Is(err, objectstore.ErrNotFound) {
					return fmt.Errorf("no backups found")
				}
				return err
			}
			data, err := client.Pull(cmd.Context(), key)
			if err != nil {
				return err
			}
			c.printf("Downloaded %s\n", key)
			return c.importBundle(cmd, bytes.NewReader(data), replace)
		},
	}
	pull.Flags().BoolVar(&replace, "replace", false, "Overwrite templates that already exist")

	list := &cobra.Command{
		Use:   "list",
		Short: "List uploaded bundles, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.svc.Backups(cmd.Context())
			if err != nil {
				return err
			}
			objects, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(objects) == 0 {
				c.printf("No backups found\n")
				return nil
			}
			for _, o := range objects {
				c.printf("%s  %8d  %s\n", o.LastModified.Local().Format("2006-01-02 15:04:05"), o.Size, o.Key)
			}
			return nil
		},
	}

	cmd.AddCommand(push, pull, list, newBackupLocalCmd(c))
	return cmd
}

func newBackupLocalCmd(c *cli) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "local <dir>",
		Short: "Copy the store into a local directory",
		Long: `Copy the store into a timestamped entry under <dir>. The json backend is
copied file by file and can be opened directly with --storage-path; other
backends are written as a YAML bundle for import-bundle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "templates-" + c.now().UTC().Format("20060102T150405Z")
			if label != "" {
				name += "-" + fsutils.SanitizeFilename(label)
			}
			dest := filepath.Join(args[0], name)

			storage := c.svc.Config.Storage
			if storage.Backend == config.BackendJSON {
				if err := fsutils.CopyDir(storage.Path, dest); err != nil {
					return err
				}
				c.printf("Copied %s to %s\n", storage.Path, dest)
				return nil
			}

			dest += ".yaml"
			if fsutils.FileExists(dest) {
				return fmt.Errorf("%s already exists", dest)
			}
			data, b, err := c.exportBundle(cmd)
			if err != nil {
				return err
			}
			if err := fsutils.CreateDir(args[0]); err != nil {
				return err
			}
			if err := fsutils.WriteFileAtomic(dest, data, 0644); err != nil {
				return err
			}
			c.printf("Exported %d template(s) to %s\n", len(b.Templates), dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Label appended to the copy's name")
	return cmd
}

func newRecoverCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Complete restores interrupted by a crash",
		Long: `Opening the store replays any restore that recorded its backup but did
not finish overwriting the template. recover opens the store and reports
what was replayed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(c.svc.Recovered) == 0 {
				c.printf("No interrupted restores\n")
				return nil
			}
			for _, id := range c.svc.Recovered {
				c.printf("Completed interrupted restore of %s\n", id)
			}
			return nil
		},
	}
}
