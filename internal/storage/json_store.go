package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"template-ledger/internal/model"
	"template-ledger/pkg/fsutils"
)

const (
	templatesDir = "templates"
	versionsDir  = "versions"
	sharesDir    = "shares"
	restoresDir  = "restores"
)

// restoreJournal is written between the backup entry and the live overwrite
// of a restore, so an interrupted restore can be completed on the next open.
type restoreJournal struct {
	BackupVersionID string         `json:"backupVersionId"`
	Template        model.Template `json:"template"`
}

// JSONStore implements the DataStore interface using JSON files:
//
//	<base>/templates/<id>.json
//	<base>/versions/<templateID>/<versionID>.json
//	<base>/shares/<templateID>.json
//	<base>/restores/<templateID>.json   (pending restore journal)
//
// Every file is replaced atomically, so concurrent readers see either the
// old or the new record.
type JSONStore struct {
	// BasePath is the root directory of the store.
	BasePath string

	logger    *slog.Logger
	recovered []string
}

// NewJSONStore creates the directory layout under basePath and completes any
// restore that was interrupted before its live overwrite.
func NewJSONStore(basePath string, logger *slog.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, dir := range []string{templatesDir, versionsDir, sharesDir, restoresDir} {
		if err := fsutils.CreateDir(filepath.Join(basePath, dir)); err != nil {
			return nil, fmt.Errorf("failed to create storage directory '%s': %w", basePath, err)
		}
	}

	js := &JSONStore{BasePath: basePath, logger: logger}
	if err := js.replayRestores(); err != nil {
		return nil, err
	}
	return js, nil
}

// GetBasePath returns the base path of the JSON store.
func (js *JSONStore) GetBasePath() string {
	return js.BasePath
}

// Recovered lists the template ids whose interrupted restore was completed when the store was opened.
func (js *JSONStore) Recovered() []string {
	return append([]string(nil), js.recovered...)
}

// Close is a no-op; files are closed after every operation.
func (js *JSONStore) Close() error { return nil }

func (js *JSONStore) templatePath(id string) string {
	return filepath.Join(js.BasePath, templatesDir, id+".json")
}

func (js *JSONStore) versionDir(templateID string) string {
	return filepath.Join(js.BasePath, versionsDir, templateID)
}

func (js *JSONStore) sharesPath(templateID string) string {
	return filepath.Join(js.BasePath, sharesDir, templateID+".json")
}

func (js *JSONStore) journalPath(templateID string) string {
	return filepath.Join(js.BasePath, restoresDir, templateID+".json")
}

// SaveTemplate persists the template to its JSON file.
func (js *JSONStore) SaveTemplate(ctx context.Context, tmpl *model.Template) error {
	if err := checkID(tmpl.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeJSON(js.templatePath(tmpl.ID), tmpl); err != nil {
		return fmt.Errorf("failed to save template %s: %w", tmpl.ID, err)
	}
	js.logger.Debug("Saved template", "id", tmpl.ID)
	return nil
}

// LoadTemplate retrieves a template from its JSON file.
func (js *JSONStore) LoadTemplate(ctx context.Context, id string) (*model.Template, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tmpl model.Template
	if err := readJSON(js.templatePath(id), &tmpl); err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", id, err)
	}
	return &tmpl, nil
}

// ListTemplates scans the templates directory and loads each record.
func (js *JSONStore) ListTemplates(ctx context.Context) ([]*model.Template, error) {
	ids, err := listIDs(filepath.Join(js.BasePath, templatesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	templates := make([]*model.Template, 0, len(ids))
	for _, id := range ids {
		tmpl, err := js.LoadTemplate(ctx, id)
		if err != nil {
			// Deleted between the scan and the read
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		templates = append(templates, tmpl)
	}
	return templates, nil
}

// DeleteTemplate removes the dependents first and the template record last,
// so an interrupted delete never leaves orphans behind a missing template.
func (js *JSONStore) DeleteTemplate(ctx context.Context, id string) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, statErr := os.Stat(js.templatePath(id))
	existed := statErr == nil

	if err := os.RemoveAll(js.versionDir(id)); err != nil {
		return false, fmt.Errorf("failed to delete versions of %s: %w", id, err)
	}
	for _, path := range []string{js.sharesPath(id), js.journalPath(id), js.templatePath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}

	if existed {
		js.logger.Debug("Deleted template", "id", id)
	}
	return existed, nil
}

// AppendVersion writes the entry under the template's version directory.
func (js *JSONStore) AppendVersion(ctx context.Context, entry *model.VersionEntry) error {
	if err := checkID(entry.TemplateID); err != nil {
		return err
	}
	if err := checkID(entry.VersionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := js.versionDir(entry.TemplateID)
	if err := fsutils.CreateDir(dir); err != nil {
		return fmt.Errorf("failed to create version directory %s: %w", dir, err)
	}
	if err := writeJSON(filepath.Join(dir, entry.VersionID+".json"), entry); err != nil {
		return fmt.Errorf("failed to save version %s of %s: %w", entry.VersionID, entry.TemplateID, err)
	}
	return nil
}

// LoadVersion reads one version entry.
func (js *JSONStore) LoadVersion(ctx context.Context, templateID, versionID string) (*model.VersionEntry, error) {
	if err := checkID(templateID); err != nil {
		return nil, err
	}
	if err := checkID(versionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry model.VersionEntry
	path := filepath.Join(js.versionDir(templateID), versionID+".json")
	if err := readJSON(path, &entry); err != nil {
		return nil, fmt.Errorf("failed to load version %s of %s: %w", versionID, templateID, err)
	}
	return &entry, nil
}

// ListVersions loads every entry recorded for the template.
func (js *JSONStore) ListVersions(ctx context.Context, templateID string) ([]*model.VersionEntry, error) {
	if err := checkID(templateID); err != nil {
		return nil, err
	}
	ids, err := listIDs(js.versionDir(templateID))
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", templateID, err)
	}

	entries := make([]*model.VersionEntry, 0, len(ids))
	for _, vid := range ids {
		entry, err := js.LoadVersion(ctx, templateID, vid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CommitRestore writes the backup entry, then a journal holding the restored
// record, then the live record, and finally drops the journal.
func (js *JSONStore) CommitRestore(ctx context.Context, backup *model.VersionEntry, restored *model.Template) error {
	if err := js.AppendVersion(ctx, backup); err != nil {
		return err
	}

	journal := restoreJournal{BackupVersionID: backup.VersionID, Template: *restored}
	if err := writeJSON(js.journalPath(restored.ID), journal); err != nil {
		return fmt.Errorf("failed to write restore journal for %s: %w", restored.ID, err)
	}
	if err := js.SaveTemplate(ctx, restored); err != nil {
		return err
	}
	if err := os.Remove(js.journalPath(restored.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear restore journal for %s: %w", restored.ID, err)
	}
	return nil
}

// replayRestores completes restores whose journal survived a crash.
func (js *JSONStore) replayRestores() error {
	dir := filepath.Join(js.BasePath, restoresDir)
	ids, err := listIDs(dir)
	if err != nil {
		return fmt.Errorf("failed to scan restore journals: %w", err)
	}

	for _, id := range ids {
		var journal restoreJournal
		if err := readJSON(js.journalPath(id), &journal); err != nil {
			return fmt.Errorf("failed to read restore journal %s: %w", id, err)
		}
		// The template was deleted after the journal was written
		if _, err := os.Stat(js.templatePath(id)); os.IsNotExist(err) {
			os.Remove(js.journalPath(id))
			continue
		}
		if err := writeJSON(js.templatePath(id), &journal.Template); err != nil {
			return fmt.Errorf("failed to replay restore of %s: %w", id, err)
		}
		if err := os.Remove(js.journalPath(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear restore journal for %s: %w", id, err)
		}
		js.recovered = append(js.recovered, id)
		js.logger.Warn("Completed interrupted restore", "templateID", id, "backupVersionID", journal.BackupVersionID)
	}
	return nil
}

// SaveShares replaces the share file of a template; an empty list removes it.
func (js *JSONStore) SaveShares(ctx context.Context, templateID string, grants []model.ShareGrant) error {
	if err := checkID(templateID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := js.sharesPath(templateID)
	if len(grants) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear shares of %s: %w", templateID, err)
		}
		return nil
	}
	if err := writeJSON(path, grants); err != nil {
		return fmt.Errorf("failed to save shares of %s: %w", templateID, err)
	}
	return nil
}

// LoadShares reads the share file of a template.
func (js *JSONStore) LoadShares(ctx context.Context, templateID string) ([]model.ShareGrant, error) {
	if err := checkID(templateID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var grants []model.ShareGrant
	if err := readJSON(js.sharesPath(templateID), &grants); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []model.ShareGrant{}, nil
		}
		return nil, fmt.Errorf("failed to load shares of %s: %w", templateID, err)
	}
	return grants, nil
}

// ListSharesForGrantee scans every share file for grants held by granteeID.
func (js *JSONStore) ListSharesForGrantee(ctx context.Context, granteeID string) ([]model.ShareGrant, error) {
	ids, err := listIDs(filepath.Join(js.BasePath, sharesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}

	var out []model.ShareGrant
	for _, templateID := range ids {
		grants, err := js.LoadShares(ctx, templateID)
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			if g.GranteeID == granteeID {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

// checkID rejects ids that are empty or could address a file outside the store.
func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// listIDs returns the base names of the *.json files in dir, skipping temp files.
// A missing directory yields an empty list.
func listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return fsutils.WriteFileAtomic(path, data, 0644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return nil
}
