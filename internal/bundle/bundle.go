// Package bundle exports the whole store to a YAML document and imports it
// back, into the same or a different backend.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"template-ledger/internal/keylock"
	"template-ledger/internal/ledger"
	"template-ledger/internal/model"
	"template-ledger/internal/storage"
	"template-ledger/internal/templatemanager"
)

// FormatVersion is written into every bundle and checked on decode.
const FormatVersion = 1

// Bundle is a point-in-time copy of every template with its history and grants.
type Bundle struct {
	Format     int       `yaml:"format"`
	ExportedAt time.Time `yaml:"exportedAt"`
	Templates  []Entry   `yaml:"templates"`
}

// Entry groups one template with everything that references it.
type Entry struct {
	Template model.Template       `yaml:"template"`
	Versions []model.VersionEntry `yaml:"versions"`
	Shares   []model.ShareGrant   `yaml:"shares"`
}

// Stats summarises an import.
type Stats struct {
	Imported int
	Skipped  int
	Versions int
	Shares   int
}

// Export reads the full store. Templates come out in creation order and
// versions newest first.
func Export(ctx context.Context, store storage.DataStore, now time.Time) (*Bundle, error) {
	templates, err := store.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	templatemanager.SortByCreation(templates)

	b := &Bundle{Format: FormatVersion, ExportedAt: now.UTC(), Templates: make([]Entry, 0, len(templates))}
	for _, tmpl := range templates {
		versions, err := store.ListVersions(ctx, tmpl.ID)
		if err != nil {
			return nil, fmt.Errorf("listing versions of %s: %w", tmpl.ID, err)
		}
		ledger.SortNewestFirst(versions)

		shares, err := store.LoadShares(ctx, tmpl.ID)
		if err != nil {
			return nil, fmt.Errorf("loading shares of %s: %w", tmpl.ID, err)
		}

		entry := Entry{Template: *tmpl, Versions: make([]model.VersionEntry, 0, len(versions)), Shares: shares}
		for _, v := range versions {
			entry.Versions = append(entry.Versions, *v)
		}
		b.Templates = append(b.Templates, entry)
	}
	return b, nil
}

// Encode writes b as YAML.
func Encode(w io.Writer, b *Bundle) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encoding bundle: %w", err)
	}
	return enc.Close()
}

// Decode reads and validates a YAML bundle.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := yaml.NewDecoder(r).Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("bundle is empty")
		}
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks the format version, that every record belongs to its
// entry, and that field names and grantees are unique where the store
// expects them to be.
func (b *Bundle) Validate() error {
	if b.Format != FormatVersion {
		return fmt.Errorf("unsupported bundle format %d (want %d)", b.Format, FormatVersion)
	}
	seen := make(map[string]bool, len(b.Templates))
	for i, e := range b.Templates {
		id := e.Template.ID
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("template %d has no id", i)
		}
		if seen[id] {
			return fmt.Errorf("template %s appears twice", id)
		}
		seen[id] = true
		if name := duplicateField(e.Template.Fields); name != "" {
			return fmt.Errorf("template %s has field %q twice", id, name)
		}
		for _, v := range e.Versions {
			if v.TemplateID != id {
				return fmt.Errorf("version %s is filed under %s but belongs to %s", v.VersionID, id, v.TemplateID)
			}
			if name := duplicateField(v.Snapshot.Fields); name != "" {
				return fmt.Errorf("version %s of %s has field %q twice", v.VersionID, id, name)
			}
		}
		grantees := make(map[string]bool, len(e.Shares))
		for _, s := range e.Shares {
			if s.TemplateID != id {
				return fmt.Errorf("grant for %s is filed under %s but belongs to %s", s.GranteeID, id, s.TemplateID)
			}
			if grantees[s.GranteeID] {
				return fmt.Errorf("template %s grants %s twice", id, s.GranteeID)
			}
			grantees[s.GranteeID] = true
		}
	}
	return nil
}

func duplicateField(fields []model.Field) string {
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		if names[f.Name] {
			return f.Name
		}
		names[f.Name] = true
	}
	return ""
}

// Importer writes bundles into a store, holding each template's lock.
type Importer struct {
	store  storage.DataStore
	guard  *keylock.Guard
	logger *slog.Logger
}

func NewImporter(store storage.DataStore, guard *keylock.Guard, logger *slog.Logger) *Importer {
	if guard == nil {
		guard = keylock.NewGuard(keylock.Block)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Importer{store: store, guard: guard, logger: logger}
}

// Import loads b into the store. Templates that already exist are skipped
// unless replace is set, in which case the existing record and everything
// referencing it is deleted first.
func (im *Importer) Import(ctx context.Context, b *Bundle, replace bool) (Stats, error) {
	var stats Stats
	if err := b.Validate(); err != nil {
		return stats, err
	}

	for _, e := range b.Templates {
		imported, err := im.importEntry(ctx, e, replace)
		if err != nil {
			return stats, err
		}
		if !imported {
			stats.Skipped++
			continue
		}
		stats.Imported++
		stats.Versions += len(e.Versions)
		stats.Shares += len(e.Shares)
	}

	im.logger.Info("Imported bundle", "imported", stats.Imported, "skipped", stats.Skipped,
		"versions", stats.Versions, "shares", stats.Shares)
	return stats, nil
}

func (im *Importer) importEntry(ctx context.Context, e Entry, replace bool) (bool, error) {
	id := e.Template.ID
	unlock, err := im.guard.Acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	_, err = im.store.LoadTemplate(ctx, id)
	exists := err == nil
	switch {
	case exists && !replace:
		im.logger.Debug("Skipping existing template", "id", id)
		return false, nil
	case !exists && !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("checking %s: %w", id, err)
	}

	tmpl := e.Template
	if tmpl.Fields == nil {
		tmpl.Fields = []model.Field{}
	}
	if tmpl.ValidationRules == nil {
		tmpl.ValidationRules = map[string]any{}
	}
	if r, ok := im.store.(storage.EntryReplacer); ok {
		if err := r.ReplaceEntry(ctx, &tmpl, e.Versions, e.Shares); err != nil {
			return false, fmt.Errorf("importing %s: %w", id, err)
		}
		return true, nil
	}

	// Stores without EntryReplacer take the records one at a time; a failure
	// part way leaves what was already written.
	if exists {
		if _, err := im.store.DeleteTemplate(ctx, id); err != nil {
			return false, fmt.Errorf("replacing %s: %w", id, err)
		}
	}
	if err := im.store.SaveTemplate(ctx, &tmpl); err != nil {
		return false, fmt.Errorf("saving %s: %w", id, err)
	}
	for i := range e.Versions {
		if err := im.store.AppendVersion(ctx, &e.Versions[i]); err != nil {
			return false, fmt.Errorf("saving version %s of %s: %w", e.Versions[i].VersionID, id, err)
		}
	}
	if len(e.Shares) > 0 {
		if err := im.store.SaveShares(ctx, id, e.Shares); err != nil {
			return false, fmt.Errorf("saving shares of %s: %w", id, err)
		}
	}
	return true, nil
}
