// Package sqlstore implements storage.DataStore over database/sql for SQLite
// (modernc.org/sqlite, pure Go) and PostgreSQL (pgx stdlib driver).
//
// Structured columns (fields, rules, changes, snapshots) are stored as JSON
// text. Timestamps are stored as fixed-width UTC text so both dialects
// share one schema and one set of queries.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"template-ledger/internal/model"
	"template-ledger/internal/storage"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// timeLayout is fixed width so text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config describes how to open the database.
type Config struct {
	Backend         string // BackendSQLite or BackendPostgres
	DSN             string // file path for SQLite, connection URL for PostgreSQL
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unsupported sql backend %q", c.Backend)
	}
	if c.DSN == "" {
		return errors.New("database DSN is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("database ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("database max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("database max idle conns must be between 0 and max open conns")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("database conn max lifetime must be >= 0")
	}
	return nil
}

// Store is a DataStore backed by a SQL database.
type Store struct {
	db       *sql.DB
	postgres bool
	logger   *slog.Logger
}

var (
	_ storage.DataStore     = (*Store)(nil)
	_ storage.EntryReplacer = (*Store)(nil)
)

// Open connects, verifies the connection and creates the schema if needed.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	driver, dsn := "pgx", cfg.DSN
	if cfg.Backend == BackendSQLite {
		driver = "sqlite"
		dsn = "file:" + cfg.DSN + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	if cfg.Backend == BackendSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{db: db, postgres: cfg.Backend == BackendPostgres, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("SQL store ready", "backend", cfg.Backend)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	boolType := "INTEGER"
	if s.postgres {
		boolType = "BOOLEAN"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			fields TEXT NOT NULL,
			validation_rules TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS template_versions (
			template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
			version_id TEXT NOT NULL,
			changes TEXT NOT NULL,
			note TEXT NOT NULL,
			created_at TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			PRIMARY KEY (template_id, version_id)
		)`,
		`CREATE TABLE IF NOT EXISTS template_shares (
			template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
			grantee_id TEXT NOT NULL,
			can_read ` + boolType + ` NOT NULL,
			can_edit ` + boolType + ` NOT NULL,
			can_delete ` + boolType + ` NOT NULL,
			granted_at TEXT NOT NULL,
			PRIMARY KEY (template_id, grantee_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_template_shares_grantee ON template_shares(grantee_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const upsertTemplateSQL = `INSERT INTO templates (id, name, description, owner_id, created_at, updated_at, fields, validation_rules)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		owner_id = excluded.owner_id,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		fields = excluded.fields,
		validation_rules = excluded.validation_rules`

const selectTemplateSQL = `SELECT id, name, description, owner_id, created_at, updated_at, fields, validation_rules FROM templates`

func (s *Store) saveTemplate(ctx context.Context, ex execer, tmpl *model.Template) error {
	fields, err := json.Marshal(nonNilFields(tmpl.Fields))
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	rules, err := json.Marshal(nonNilMap(tmpl.ValidationRules))
	if err != nil {
		return fmt.Errorf("marshal validation rules: %w", err)
	}
	_, err = ex.ExecContext(ctx, s.rebind(upsertTemplateSQL),
		tmpl.ID, tmpl.Name, tmpl.Description, tmpl.OwnerID,
		formatTime(tmpl.CreatedAt), formatTime(tmpl.UpdatedAt),
		string(fields), string(rules))
	if err != nil {
		return fmt.Errorf("save template %s: %w", tmpl.ID, err)
	}
	return nil
}

func (s *Store) SaveTemplate(ctx context.Context, tmpl *model.Template) error {
	if tmpl.ID == "" {
		return fmt.Errorf("%w: empty template id", storage.ErrInvalidID)
	}
	return s.saveTemplate(ctx, s.db, tmpl)
}

func (s *Store) LoadTemplate(ctx context.Context, id string) (*model.Template, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectTemplateSQL+` WHERE id = ?`), id)
	tmpl, err := scanTemplate(row)
	if err != nil {
		return nil, handleNotFound(err)
	}
	return tmpl, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]*model.Template, error) {
	rows, err := s.db.QueryContext(ctx, selectTemplateSQL)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := []*model.Template{}
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}
	return templates, rows.Err()
}

// DeleteTemplate removes dependents explicitly in the same transaction so
// the cascade holds even where foreign keys are not enforced.
func (s *Store) DeleteTemplate(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		existed, err = s.deleteTemplate(ctx, tx, id)
		return err
	})
	return existed, err
}

func (s *Store) deleteTemplate(ctx context.Context, ex execer, id string) (bool, error) {
	for _, q := range []string{
		`DELETE FROM template_shares WHERE template_id = ?`,
		`DELETE FROM template_versions WHERE template_id = ?`,
	} {
		if _, err := ex.ExecContext(ctx, s.rebind(q), id); err != nil {
			return false, fmt.Errorf("delete dependents of %s: %w", id, err)
		}
	}
	res, err := ex.ExecContext(ctx, s.rebind(`DELETE FROM templates WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete template %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete template %s: %w", id, err)
	}
	return n > 0, nil
}

// ReplaceEntry swaps a whole template record, history and grants included,
// in one transaction.
func (s *Store) ReplaceEntry(ctx context.Context, tmpl *model.Template, versions []model.VersionEntry, grants []model.ShareGrant) error {
	if tmpl.ID == "" {
		return fmt.Errorf("%w: empty template id", storage.ErrInvalidID)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.deleteTemplate(ctx, tx, tmpl.ID); err != nil {
			return err
		}
		if err := s.saveTemplate(ctx, tx, tmpl); err != nil {
			return err
		}
		for i := range versions {
			if err := s.appendVersion(ctx, tx, &versions[i]); err != nil {
				return err
			}
		}
		return s.insertShares(ctx, tx, tmpl.ID, grants)
	})
}

const insertVersionSQL = `INSERT INTO template_versions (template_id, version_id, changes, note, created_at, snapshot)
	VALUES (?, ?, ?, ?, ?, ?)`

const selectVersionSQL = `SELECT template_id, version_id, changes, note, created_at, snapshot FROM template_versions`

func (s *Store) appendVersion(ctx context.Context, ex execer, entry *model.VersionEntry) error {
	changes, err := json.Marshal(nonNilMap(entry.Changes))
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	snapshot, err := json.Marshal(entry.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = ex.ExecContext(ctx, s.rebind(insertVersionSQL),
		entry.TemplateID, entry.VersionID, string(changes), entry.Note,
		formatTime(entry.CreatedAt), string(snapshot))
	if err != nil {
		return fmt.Errorf("append version %s of %s: %w", entry.VersionID, entry.TemplateID, err)
	}
	return nil
}

func (s *Store) AppendVersion(ctx context.Context, entry *model.VersionEntry) error {
	return s.appendVersion(ctx, s.db, entry)
}

func (s *Store) LoadVersion(ctx context.Context, templateID, versionID string) (*model.VersionEntry, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(selectVersionSQL+` WHERE template_id = ? AND version_id = ?`), templateID, versionID)
	entry, err := scanVersion(row)
	if err != nil {
		return nil, handleNotFound(err)
	}
	return entry, nil
}

func (s *Store) ListVersions(ctx context.Context, templateID string) ([]*model.VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(selectVersionSQL+` WHERE template_id = ? ORDER BY created_at DESC, version_id DESC`), templateID)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", templateID, err)
	}
	defer rows.Close()

	entries := []*model.VersionEntry{}
	for rows.Next() {
		entry, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CommitRestore inserts the backup entry and overwrites the template in one transaction.
func (s *Store) CommitRestore(ctx context.Context, backup *model.VersionEntry, restored *model.Template) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.appendVersion(ctx, tx, backup); err != nil {
			return err
		}
		return s.saveTemplate(ctx, tx, restored)
	})
}

func (s *Store) SaveShares(ctx context.Context, templateID string, grants []model.ShareGrant) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM template_shares WHERE template_id = ?`), templateID); err != nil {
			return fmt.Errorf("clear shares of %s: %w", templateID, err)
		}
		return s.insertShares(ctx, tx, templateID, grants)
	})
}

func (s *Store) insertShares(ctx context.Context, ex execer, templateID string, grants []model.ShareGrant) error {
	insert := s.rebind(`INSERT INTO template_shares (template_id, grantee_id, can_read, can_edit, can_delete, granted_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, g := range grants {
		_, err := ex.ExecContext(ctx, insert, templateID, g.GranteeID,
			g.Permissions.Read, g.Permissions.Edit, g.Permissions.Delete, formatTime(g.GrantedAt))
		if err != nil {
			return fmt.Errorf("save share %s/%s: %w", templateID, g.GranteeID, err)
		}
	}
	return nil
}

const selectShareSQL = `SELECT template_id, grantee_id, can_read, can_edit, can_delete, granted_at FROM template_shares`

func (s *Store) LoadShares(ctx context.Context, templateID string) ([]model.ShareGrant, error) {
	return s.queryShares(ctx, selectShareSQL+` WHERE template_id = ? ORDER BY granted_at, grantee_id`, templateID)
}

func (s *Store) ListSharesForGrantee(ctx context.Context, granteeID string) ([]model.ShareGrant, error) {
	return s.queryShares(ctx, selectShareSQL+` WHERE grantee_id = ? ORDER BY granted_at, template_id`, granteeID)
}

func (s *Store) queryShares(ctx context.Context, query string, arg string) ([]model.ShareGrant, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	grants := []model.ShareGrant{}
	for rows.Next() {
		var (
			g         model.ShareGrant
			grantedAt string
		)
		if err := rows.Scan(&g.TemplateID, &g.GranteeID,
			&g.Permissions.Read, &g.Permissions.Edit, &g.Permissions.Delete, &grantedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		if g.GrantedAt, err = parseTime(grantedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanTemplate(row rowScanner) (*model.Template, error) {
	var (
		tmpl                 model.Template
		createdAt, updatedAt string
		fields, rules        string
	)
	if err := row.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Description, &tmpl.OwnerID,
		&createdAt, &updatedAt, &fields, &rules); err != nil {
		return nil, err
	}
	var err error
	if tmpl.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tmpl.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &tmpl.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of %s: %w", tmpl.ID, err)
	}
	if err := json.Unmarshal([]byte(rules), &tmpl.ValidationRules); err != nil {
		return nil, fmt.Errorf("decode validation rules of %s: %w", tmpl.ID, err)
	}
	return &tmpl, nil
}

func scanVersion(row rowScanner) (*model.VersionEntry, error) {
	var (
		entry             model.VersionEntry
		changes, snapshot string
		createdAt         string
	)
	if err := row.Scan(&entry.TemplateID, &entry.VersionID, &changes, &entry.Note, &createdAt, &snapshot); err != nil {
		return nil, err
	}
	var err error
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changes), &entry.Changes); err != nil {
		return nil, fmt.Errorf("decode changes of %s: %w", entry.VersionID, err)
	}
	if err := json.Unmarshal([]byte(snapshot), &entry.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", entry.VersionID, err)
	}
	return &entry, nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nonNilFields(f []model.Field) []model.Field {
	if f == nil {
		return []model.Field{}
	}
	return f
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
