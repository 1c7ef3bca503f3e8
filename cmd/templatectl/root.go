package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"template-ledger/internal/app"
	"template-ledger/internal/config"
)

var errAborted = errors.New("aborted")

// cli carries the state shared by every command of one invocation.
type cli struct {
	cfgFile        string
	storageBackend string
	storagePath    string
	logLevel       string

	svc     *app.Services
	out     io.Writer
	in      io.Reader
	now     func() time.Time
	confirm func(message string) (bool, error)
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{now: time.Now, confirm: surveyConfirm}

	root := &cobra.Command{
		Use:   "templatectl",
		Short: "Manage document templates, their versions and their grants",
		Long: `templatectl works directly on the template store configured for the
server (JSON directory, SQLite file or PostgreSQL database):
  - create and edit templates and their fields
  - record, compare and restore versions
  - share templates with other users
  - rank templates against a data payload
  - export, import and back up the whole store

Per-template locks live in a single process. Do not point templatectl at a
store a running server is writing to: stop the server first, or make the
change through its HTTP API.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.open,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (TOML)")
	root.PersistentFlags().StringVar(&c.storageBackend, "storage-backend", config.BackendJSON, "storage backend: json, sqlite or postgres")
	root.PersistentFlags().StringVar(&c.storagePath, "storage-path", "./data", "data directory for the json backend")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(
		newTemplateCmd(c),
		newVersionCmd(c),
		newShareCmd(c),
		newSuggestCmd(c),
		newExportCmd(c),
		newImportBundleCmd(c),
		newBackupCmd(c),
		newRecoverCmd(c),
	)
	return root, c
}

// open loads configuration and wires the services before any command runs.
func (c *cli) open(cmd *cobra.Command, args []string) error {
	c.out = cmd.OutOrStdout()
	c.in = cmd.InOrStdin()

	v := config.NewViper()
	v.SetDefault("log.level", "warn")
	flags := cmd.Root().PersistentFlags()
	for key, name := range map[string]string{
		"storage.backend": "storage-backend",
		"storage.path":    "storage-path",
		"log.level":       "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}

	cfg, err := config.Load(v, c.cfgFile)
	if err != nil {
		return err
	}

	logger := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
	svc, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	c.svc = svc
	return nil
}

func (c *cli) close() error {
	if c.svc == nil {
		return nil
	}
	err := c.svc.Close()
	c.svc = nil
	return err
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *cli) printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	c.printf("%s\n", output)
	return nil
}

func (c *cli) printYAML(v any) error {
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

// openInput opens a file argument, with "-" meaning standard input.
func (c *cli) openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(c.in), nil
	}
	return os.Open(path)
}

func surveyConfirm(message string) (bool, error) {
	ok := false
	if err := survey.AskOne(&survey.Confirm{Message: message}, &ok); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return false, errAborted
		}
		return false, err
	}
	return ok, nil
}
