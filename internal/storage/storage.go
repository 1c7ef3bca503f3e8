package storage

import (
	"context"
	"errors"

	"template-ledger/internal/model"
)

var (
	// ErrNotFound is returned (possibly wrapped) when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidID is returned when an id is empty or could escape the store's namespace.
	ErrInvalidID = errors.New("invalid record id")
)

// DataStore defines the operations needed for persisting templates, their
// version history and their share grants. Implementations: JSONStore (files)
// and sqlstore.Store (SQLite / PostgreSQL).
//
// Stores do not serialize writers; callers hold a per-template lock around
// mutations. Every read returns a fresh copy the caller may modify.
type DataStore interface {
	// SaveTemplate creates or replaces a template record.
	SaveTemplate(ctx context.Context, tmpl *model.Template) error

	// LoadTemplate returns ErrNotFound when the id is unknown.
	LoadTemplate(ctx context.Context, id string) (*model.Template, error)

	// ListTemplates returns every template in no particular order.
	ListTemplates(ctx context.Context) ([]*model.Template, error)

	// DeleteTemplate removes the template and everything that references it
	// (versions, grants, pending restore records). It reports whether the
	// template existed.
	DeleteTemplate(ctx context.Context, id string) (bool, error)

	// AppendVersion durably records a new version entry.
	AppendVersion(ctx context.Context, entry *model.VersionEntry) error

	// LoadVersion returns ErrNotFound when the version is unknown for that template.
	LoadVersion(ctx context.Context, templateID, versionID string) (*model.VersionEntry, error)

	// ListVersions returns the template's entries in no particular order.
	ListVersions(ctx context.Context, templateID string) ([]*model.VersionEntry, error)

	// CommitRestore records backup and then replaces the live template with
	// restored. After a crash the store either holds neither change, only the
	// backup, or both; never the overwrite without the backup.
	CommitRestore(ctx context.Context, backup *model.VersionEntry, restored *model.Template) error

	// SaveShares replaces the complete grant list of a template.
	SaveShares(ctx context.Context, templateID string, grants []model.ShareGrant) error

	// LoadShares returns the template's grants; an unshared template yields an empty slice.
	LoadShares(ctx context.Context, templateID string) ([]model.ShareGrant, error)

	// ListSharesForGrantee returns every grant held by granteeID across all templates.
	ListSharesForGrantee(ctx context.Context, granteeID string) ([]model.ShareGrant, error)

	// Close releases any resources held by the store.
	Close() error
}

// EntryReplacer is implemented by stores that can swap a template together
// with its history and grants atomically. Bundle imports use it when present.
type EntryReplacer interface {
	// ReplaceEntry deletes any existing record for tmpl.ID with its
	// dependents, then writes tmpl, versions and grants. Either all of it
	// lands or none of it does.
	ReplaceEntry(ctx context.Context, tmpl *model.Template, versions []model.VersionEntry, grants []model.ShareGrant) error
}
