// Package ledger keeps the append-only version history of each template and
// implements diff and restore over it.
//
// Every entry carries a full snapshot of the template, so restoring never
// replays deltas. A restore first records a "pre-restore-backup" entry of the
// state it is about to overwrite, which makes every restore reversible.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"template-ledger/internal/apperr"
	"template-ledger/internal/keylock"
	"template-ledger/internal/model"
	"template-ledger/internal/storage"
)

const (
	// ActionPreRestoreBackup marks the entry written before a restore.
	ActionPreRestoreBackup = "pre-restore-backup"

	backupNote = "pre-restore backup"
)

// Ledger records and replays template versions.
type Ledger struct {
	store  storage.DataStore
	guard  *keylock.Guard
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithGuard must be given the same guard as the template manager.
func WithGuard(g *keylock.Guard) Option {
	return func(l *Ledger) { l.guard = g }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store storage.DataStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		guard:  keylock.NewGuard(keylock.Block),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) newEntry(tmpl *model.Template, changes map[string]any, note string) (*model.VersionEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating version id: %w", err)
	}
	return &model.VersionEntry{
		VersionID:  id.String(),
		TemplateID: tmpl.ID,
		Changes:    model.CloneMap(changes),
		Note:       note,
		CreatedAt:  l.now().UTC(),
		Snapshot:   *tmpl.Clone(),
	}, nil
}

// CreateVersion snapshots the template's current state together with an
// opaque change description.
func (l *Ledger) CreateVersion(ctx context.Context, templateID string, changes map[string]any, note string) (*model.VersionEntry, error) {
	const op = "ledger.CreateVersion"

	unlock, err := l.guard.Acquire(ctx, templateID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}
	defer unlock()

	tmpl, err := l.store.LoadTemplate(ctx, templateID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}

	entry, err := l.newEntry(tmpl, changes, note)
	if err != nil {
		return nil, apperr.IO(op, templateID, err)
	}
	if err := l.store.AppendVersion(ctx, entry); err != nil {
		l.logger.Error("Error recording version", "templateID", templateID, "error", err)
		return nil, apperr.Classify(op, templateID, err).WithVersion(entry.VersionID)
	}

	l.logger.Info("Recorded version", "templateID", templateID, "versionID", entry.VersionID, "note", note)
	return entry, nil
}

// ListVersions returns the template's history, newest first. Entries with
// equal timestamps are ordered by version id, which is time ordered too.
func (l *Ledger) ListVersions(ctx context.Context, templateID string) ([]*model.VersionEntry, error) {
	const op = "ledger.ListVersions"
	if _, err := l.store.LoadTemplate(ctx, templateID); err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}

	entries, err := l.store.ListVersions(ctx, templateID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}
	SortNewestFirst(entries)
	return entries, nil
}

// SortNewestFirst orders entries by creation time descending, then version id descending.
func SortNewestFirst(entries []*model.VersionEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.VersionID > b.VersionID
	})
}

// GetVersion returns one entry of the template's history.
func (l *Ledger) GetVersion(ctx context.Context, templateID, versionID string) (*model.VersionEntry, error) {
	entry, err := l.store.LoadVersion(ctx, templateID, versionID)
	if err != nil {
		return nil, apperr.Classify("ledger.GetVersion", templateID, err).WithVersion(versionID)
	}
	return entry, nil
}

// RestoreVersion replaces the live template with the snapshot of versionID.
// The state being replaced is recorded first as a backup entry, which is
// returned. Restoring to the current state still writes a backup.
func (l *Ledger) RestoreVersion(ctx context.Context, templateID, versionID string) (*model.VersionEntry, error) {
	const op = "ledger.RestoreVersion"

	unlock, err := l.guard.Acquire(ctx, templateID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err).WithVersion(versionID)
	}
	defer unlock()

	// 1. Resolve the target
	target, err := l.store.LoadVersion(ctx, templateID, versionID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err).WithVersion(versionID)
	}

	// 2. Read the current state
	current, err := l.store.LoadTemplate(ctx, templateID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err).WithVersion(versionID)
	}

	// 3. Backup of the current state
	backup, err := l.newEntry(current, map[string]any{
		"action":     ActionPreRestoreBackup,
		"restoredTo": versionID,
	}, backupNote)
	if err != nil {
		return nil, apperr.IO(op, templateID, err).WithVersion(versionID)
	}

	// 4. The snapshot replaces the whole record; identity stays with the template
	restored := target.Snapshot.Clone()
	restored.ID = templateID
	restored.UpdatedAt = backup.CreatedAt

	if err := l.store.CommitRestore(ctx, backup, restored); err != nil {
		l.logger.Error("Restore failed", "templateID", templateID, "versionID", versionID, "error", err)
		return nil, apperr.Classify(op, templateID, err).WithVersion(versionID)
	}

	l.logger.Info("Restored template", "templateID", templateID, "versionID", versionID, "backupVersionID", backup.VersionID)
	return backup, nil
}

// DiffVersions compares the field sets of two versions of a template.
// Fields are identified by name; a field present in both is modified when
// its data type, required flag or validation rule differ.
func (l *Ledger) DiffVersions(ctx context.Context, templateID, fromID, toID string) (*model.DiffResult, error) {
	from, err := l.GetVersion(ctx, templateID, fromID)
	if err != nil {
		return nil, err
	}
	to, err := l.GetVersion(ctx, templateID, toID)
	if err != nil {
		return nil, err
	}

	diff := Diff(&from.Snapshot, &to.Snapshot)
	diff.TemplateID = templateID
	diff.FromVersionID = fromID
	diff.ToVersionID = toID
	return diff, nil
}

// Diff compares two template snapshots. All name lists are sorted.
func Diff(a, b *model.Template) *model.DiffResult {
	before := fieldStates(a)
	after := fieldStates(b)

	result := &model.DiffResult{
		FieldsAdded:    []string{},
		FieldsRemoved:  []string{},
		FieldsModified: []string{},
		Modifications:  []model.FieldChange{},
	}
	for name, state := range after {
		prev, ok := before[name]
		if !ok {
			result.FieldsAdded = append(result.FieldsAdded, name)
			continue
		}
		if !reflect.DeepEqual(prev, state) {
			result.FieldsModified = append(result.FieldsModified, name)
			result.Modifications = append(result.Modifications, model.FieldChange{Name: name, Before: prev, After: state})
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			result.FieldsRemoved = append(result.FieldsRemoved, name)
		}
	}

	sort.Strings(result.FieldsAdded)
	sort.Strings(result.FieldsRemoved)
	sort.Strings(result.FieldsModified)
	sort.Slice(result.Modifications, func(i, j int) bool {
		return result.Modifications[i].Name < result.Modifications[j].Name
	})
	return result
}

func fieldStates(t *model.Template) map[string]model.FieldState {
	states := make(map[string]model.FieldState, len(t.Fields))
	for _, f := range t.Fields {
		states[f.Name] = model.FieldState{
			DataType: f.DataType,
			Required: f.Required,
			Rule:     t.ValidationRules[f.Name],
		}
	}
	return states
}
