package templatemanager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"template-ledger/internal/apperr"
	"template-ledger/internal/keylock"
	"template-ledger/internal/model"
	"template-ledger/internal/similarity"
	"template-ledger/internal/storage"
)

// SearchThreshold is the minimum partial-ratio score for a search hit.
const SearchThreshold = 0.6

// DefaultDataType is assigned to fields added without a type.
const DefaultDataType = "string"

// Manager provides the template record operations: create, read, list,
// delete and in-place field/rule edits. Every mutation holds the template's
// lock and is durable before it returns.
type Manager struct {
	store      storage.DataStore
	logger     *slog.Logger
	guard      *keylock.Guard
	extractor  FieldExtractor
	renderer   PreviewRenderer
	dispatcher PrintDispatcher
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithGuard shares a lock guard with the ledger and share registry.
func WithGuard(g *keylock.Guard) Option {
	return func(m *Manager) { m.guard = g }
}

func WithExtractor(e FieldExtractor) Option {
	return func(m *Manager) { m.extractor = e }
}

func WithRenderer(r PreviewRenderer) Option {
	return func(m *Manager) { m.renderer = r }
}

func WithDispatcher(d PrintDispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new Manager over store.
func NewManager(store storage.DataStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		guard:  keylock.NewGuard(keylock.Block),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying DataStore to sibling services.
func (m *Manager) Store() storage.DataStore { return m.store }

// Guard exposes the lock guard so sibling services serialize on the same keys.
func (m *Manager) Guard() *keylock.Guard { return m.guard }

// Create registers a new anonymous template.
func (m *Manager) Create(ctx context.Context, name, description string) (*model.Template, error) {
	return m.CreateOwned(ctx, "", name, description)
}

// CreateOwned registers a new template owned by ownerID.
func (m *Manager) CreateOwned(ctx context.Context, ownerID, name, description string) (*model.Template, error) {
	const op = "templatemanager.Create"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation(op, "", "template name is required")
	}
	m.logger.Info("Creating template", "name", name, "owner", ownerID)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.IO(op, "", fmt.Errorf("generating template id: %w", err))
	}

	now := m.now().UTC()
	tmpl := &model.Template{
		ID:              id.String(),
		Name:            name,
		Description:     description,
		OwnerID:         ownerID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Fields:          []model.Field{},
		ValidationRules: map[string]any{},
	}
	if err := m.store.SaveTemplate(ctx, tmpl); err != nil {
		m.logger.Error("Error saving template", "error", err, "name", name, "id", tmpl.ID)
		return nil, apperr.Classify(op, tmpl.ID, err)
	}

	m.logger.Info("Successfully created template", "name", name, "id", tmpl.ID)
	return tmpl, nil
}

// Get returns the template or a NotFound failure.
func (m *Manager) Get(ctx context.Context, id string) (*model.Template, error) {
	tmpl, err := m.store.LoadTemplate(ctx, id)
	if err != nil {
		return nil, apperr.Classify("templatemanager.Get", id, err)
	}
	return tmpl, nil
}

// List returns all templates in creation order.
func (m *Manager) List(ctx context.Context) ([]*model.Template, error) {
	templates, err := m.store.ListTemplates(ctx)
	if err != nil {
		return nil, apperr.Classify("templatemanager.List", "", err)
	}
	SortByCreation(templates)
	return templates, nil
}

// SortByCreation orders templates by creation time, then id.
func SortByCreation(templates []*model.Template) {
	sort.SliceStable(templates, func(i, j int) bool {
		a, b := templates[i], templates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Delete removes the template together with its versions and grants.
// It reports false, without error, when the template did not exist.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	const op = "templatemanager.Delete"
	m.logger.Info("Processing delete request", "id", id)

	unlock, err := m.guard.Acquire(ctx, id)
	if err != nil {
		return false, apperr.Classify(op, id, err)
	}
	defer unlock()

	existed, err := m.store.DeleteTemplate(ctx, id)
	if err != nil {
		m.logger.Error("Error deleting template", "id", id, "error", err)
		return false, apperr.Classify(op, id, err)
	}
	if !existed {
		m.logger.Warn("Template not found, nothing to delete", "id", id)
		return false, nil
	}
	m.logger.Info("Successfully deleted template", "id", id)
	return true, nil
}

// Mutate loads the template under its lock, applies fn and persists the
// result. fn must return an *apperr.Error (or nil); the template is not
// saved when fn fails.
func (m *Manager) Mutate(ctx context.Context, op, id string, fn func(tmpl *model.Template) error) (*model.Template, error) {
	unlock, err := m.guard.Acquire(ctx, id)
	if err != nil {
		return nil, apperr.Classify(op, id, err)
	}
	defer unlock()

	tmpl, err := m.store.LoadTemplate(ctx, id)
	if err != nil {
		return nil, apperr.Classify(op, id, err)
	}
	if err := fn(tmpl); err != nil {
		return nil, apperr.Classify(op, id, err)
	}
	tmpl.UpdatedAt = m.now().UTC()
	if err := m.store.SaveTemplate(ctx, tmpl); err != nil {
		m.logger.Error("Error saving template", "op", op, "id", id, "error", err)
		return nil, apperr.Classify(op, id, err)
	}
	return tmpl, nil
}

// Update changes the name and description. Empty arguments keep the current value.
func (m *Manager) Update(ctx context.Context, id, name, description string) (*model.Template, error) {
	const op = "templatemanager.Update"
	return m.Mutate(ctx, op, id, func(tmpl *model.Template) error {
		if n := strings.TrimSpace(name); n != "" {
			tmpl.Name = n
		}
		if description != "" {
			tmpl.Description = description
		}
		m.logger.Info("Updated template metadata", "id", id, "name", tmpl.Name)
		return nil
	})
}

// AddField appends a field. Names are unique within a template.
func (m *Manager) AddField(ctx context.Context, id, name, dataType string, required bool) (*model.Template, error) {
	const op = "templatemanager.AddField"
	name = CleanFieldName(name)
	if name == "" {
		return nil, apperr.Validation(op, id, "field name is required")
	}
	if dataType = strings.TrimSpace(dataType); dataType == "" {
		dataType = DefaultDataType
	}

	return m.Mutate(ctx, op, id, func(tmpl *model.Template) error {
		if tmpl.FieldIndex(name) >= 0 {
			return apperr.Validation(op, id, "field %q already exists", name)
		}
		tmpl.Fields = append(tmpl.Fields, model.Field{Name: name, DataType: dataType, Required: required})
		m.logger.Info("Added field", "id", id, "field", name, "dataType", dataType, "required", required)
		return nil
	})
}

// UpdateField changes the type and required flag of an existing field.
func (m *Manager) UpdateField(ctx context.Context, id, name, dataType string, required bool) (*model.Template, error) {
	const op = "templatemanager.UpdateField"
	return m.Mutate(ctx, op, id, func(tmpl *model.Template) error {
		i := tmpl.FieldIndex(name)
		if i < 0 {
			return apperr.NotFound(op, id, "", fmt.Errorf("field %q does not exist", name))
		}
		if dt := strings.TrimSpace(dataType); dt != "" {
			tmpl.Fields[i].DataType = dt
		}
		tmpl.Fields[i].Required = required
		return nil
	})
}

// RemoveField deletes a field and its validation rule.
func (m *Manager) RemoveField(ctx context.Context, id, name string) (*model.Template, error) {
	const op = "templatemanager.RemoveField"
	return m.Mutate(ctx, op, id, func(tmpl *model.Template) error {
		i := tmpl.FieldIndex(name)
		if i < 0 {
			return apperr.NotFound(op, id, "", fmt.Errorf("field %q does not exist", name))
		}
		tmpl.Fields = append(tmpl.Fields[:i], tmpl.Fields[i+1:]...)
		delete(tmpl.ValidationRules, name)
		m.logger.Info("Removed field", "id", id, "field", name)
		return nil
	})
}

// SetValidationRule stores an opaque rule for a field; a nil rule clears it.
func (m *Manager) SetValidationRule(ctx context.Context, id, field string, rule any) (*model.Template, error) {
	const op = "templatemanager.SetValidationRule"
	return m.Mutate(ctx, op, id, func(tmpl *model.Template) error {
		if tmpl.FieldIndex(field) < 0 {
			return apperr.Validation(op, id, "cannot set rule on unknown field %q", field)
		}
		if tmpl.ValidationRules == nil {
			tmpl.ValidationRules = map[string]any{}
		}
		if rule == nil {
			delete(tmpl.ValidationRules, field)
		} else {
			tmpl.ValidationRules[field] = model.CloneValue(rule)
		}
		m.logger.Info("Set validation rule", "id", id, "field", field, "cleared", rule == nil)
		return nil
	})
}

// Search ranks templates whose name or description partially matches query.
func (m *Manager) Search(ctx context.Context, query string) ([]model.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("templatemanager.Search", "", "search query is required")
	}
	templates, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	results := []model.SearchResult{}
	for _, tmpl := range templates {
		score := max(similarity.PartialRatio(query, tmpl.Name), similarity.PartialRatio(query, tmpl.Description))
		if score >= SearchThreshold {
			results = append(results, model.SearchResult{Template: *tmpl, Score: score})
		}
	}
	// List already returned creation order; stable sort keeps it for ties
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// ImportFields seeds a template from tabular input through the configured
// FieldExtractor. Fields that already exist are skipped. It returns the
// updated template and the names actually added.
func (m *Manager) ImportFields(ctx context.Context, id string, r io.Reader) (*model.Template, []string, error) {
	const op = "templatemanager.ImportFields"
	if m.extractor == nil {
		return nil, nil, apperr.Validation(op, id, "no field extractor configured")
	}
	if _, err := m.Get(ctx, id); err != nil {
		return nil, nil, err
	}

	fields, err := m.extractor.Extract(r)
	if err != nil {
		return nil, nil, apperr.Validation(op, id, "extracting fields: %v", err)
	}

	var (
		tmpl  *model.Template
		added []string
	)
	for _, f := range fields {
		updated, err := m.AddField(ctx, id, f.Name, f.DataType, f.Required)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindValidation {
				m.logger.Warn("Skipping imported field", "id", id, "field", f.Name, "reason", err)
				continue
			}
			return nil, nil, err
		}
		tmpl = updated
		added = append(added, updated.Fields[len(updated.Fields)-1].Name)
	}

	if tmpl == nil {
		if tmpl, err = m.Get(ctx, id); err != nil {
			return nil, nil, err
		}
	}
	m.logger.Info("Imported fields", "id", id, "added", len(added), "extracted", len(fields))
	return tmpl, added, nil
}

// Preview renders the template with data through the configured PreviewRenderer.
func (m *Manager) Preview(ctx context.Context, id string, data map[string]any) ([]byte, error) {
	const op = "templatemanager.Preview"
	if m.renderer == nil {
		return nil, apperr.Validation(op, id, "no preview renderer configured")
	}
	tmpl, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := m.renderer.Render(ctx, tmpl, data)
	if err != nil {
		return nil, apperr.IO(op, id, fmt.Errorf("rendering preview: %w", err))
	}
	return doc, nil
}

// Print renders the template with data and hands the document to the PrintDispatcher.
func (m *Manager) Print(ctx context.Context, id string, data map[string]any, destination string) error {
	const op = "templatemanager.Print"
	if m.dispatcher == nil {
		return apperr.Validation(op, id, "no print dispatcher configured")
	}
	if strings.TrimSpace(destination) == "" {
		return apperr.Validation(op, id, "print destination is required")
	}
	doc, err := m.Preview(ctx, id, data)
	if err != nil {
		return err
	}
	if err := m.dispatcher.Dispatch(ctx, doc, destination); err != nil {
		m.logger.Error("Print dispatch failed", "id", id, "destination", destination, "error", err)
		return apperr.IO(op, id, fmt.Errorf("dispatching document: %w", err))
	}
	m.logger.Info("Dispatched document", "id", id, "destination", destination, "bytes", len(doc))
	return nil
}
