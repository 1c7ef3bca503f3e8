package templatemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"template-ledger/internal/apperr"
	"template-ledger/internal/keylock"
	"template-ledger/internal/model"
	"template-ledger/internal/storage"
)

// setupTestManager creates a Manager over a JSONStore in a temp directory.
func setupTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	store, err := storage.NewJSONStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return NewManager(store, opts...)
}

// stepClock returns a clock advancing one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)

	created, err := m.Create(ctx, "  Invoice  ", "Monthly invoice")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Create() returned an empty id")
	}
	if created.Name != "Invoice" {
		t.Errorf("Name = %q, want trimmed %q", created.Name, "Invoice")
	}
	if created.Fields == nil || len(created.Fields) != 0 {
		t.Errorf("Fields = %v, want empty non-nil slice", created.Fields)
	}
	if created.ValidationRules == nil || len(created.ValidationRules) != 0 {
		t.Errorf("ValidationRules = %v, want empty map", created.ValidationRules)
	}

	got, err := m.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if diff := cmp.Diff(created.ID, got.ID); diff != "" {
		t.Errorf("Get() id mismatch (-want +got):\n%s", diff)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestCreateRejectsBlankName(t *testing.T) {
	m := setupTestManager(t)
	_, err := m.Create(context.Background(), "   ", "")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Create(blank) error = %v, want ValidationFailure", err)
	}
}

func TestCreateIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tmpl, err := m.Create(ctx, fmt.Sprintf("T%d", i), "")
		if err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
		if seen[tmpl.ID] {
			t.Fatalf("duplicate id %s", tmpl.ID)
		}
		seen[tmpl.ID] = true
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	m := setupTestManager(t)
	_, err := m.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want NotFound", err)
	}
	if errors.Is(err, apperr.ErrIOFailure) {
		t.Error("absent template must not be reported as an I/O failure")
	}
	if !strings.Contains(err.Error(), "does-not-exist") {
		t.Errorf("error %q does not name the template id", err)
	}
}

func TestListInCreationOrder(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t, WithClock(stepClock()))

	var want []string
	for _, name := range []string{"c", "a", "b"} {
		tmpl, err := m.Create(ctx, name, "")
		if err != nil {
			t.Fatalf("Create(%s) failed: %v", name, err)
		}
		want = append(want, tmpl.Name)
	}

	all, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	var got []string
	for _, tmpl := range all {
		got = append(got, tmpl.Name)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() order mismatch (-want +got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)

	tmpl, _ := m.Create(ctx, "Doomed", "")
	deleted, err := m.Delete(ctx, tmpl.ID)
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v; want true, nil", deleted, err)
	}
	if _, err := m.Get(ctx, tmpl.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want NotFound", err)
	}

	deleted, err = m.Delete(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("second Delete() failed: %v", err)
	}
	if deleted {
		t.Error("second Delete() = true, want false")
	}
}

func TestFieldEditsAreDurable(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)
	tmpl, _ := m.Create(ctx, "Form", "")

	// 1. Add fields
	if _, err := m.AddField(ctx, tmpl.ID, "name", "string", true); err != nil {
		t.Fatalf("AddField(name) failed: %v", err)
	}
	if _, err := m.AddField(ctx, tmpl.ID, "amount", "", false); err != nil {
		t.Fatalf("AddField(amount) failed: %v", err)
	}

	// 2. Attach a rule
	rule := map[string]any{"min": 0.0, "max": 100.0}
	if _, err := m.SetValidationRule(ctx, tmpl.ID, "amount", rule); err != nil {
		t.Fatalf("SetValidationRule() failed: %v", err)
	}
	rule["min"] = -1.0 // caller mutation must not leak into the record

	// 3. Reload through a fresh manager over the same store
	reloaded, err := NewManager(m.Store()).Get(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	wantFields := []model.Field{
		{Name: "name", DataType: "string", Required: true},
		{Name: "amount", DataType: DefaultDataType},
	}
	if diff := cmp.Diff(wantFields, reloaded.Fields); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}
	wantRules := map[string]any{"amount": map[string]any{"min": 0.0, "max": 100.0}}
	if diff := cmp.Diff(wantRules, reloaded.ValidationRules); diff != "" {
		t.Errorf("ValidationRules mismatch (-want +got):\n%s", diff)
	}
	if !reloaded.UpdatedAt.After(reloaded.CreatedAt) && !reloaded.UpdatedAt.Equal(reloaded.CreatedAt) {
		t.Errorf("UpdatedAt %v precedes CreatedAt %v", reloaded.UpdatedAt, reloaded.CreatedAt)
	}

	// 4. Update and remove
	if _, err := m.UpdateField(ctx, tmpl.ID, "name", "text", false); err != nil {
		t.Fatalf("UpdateField() failed: %v", err)
	}
	after, err := m.RemoveField(ctx, tmpl.ID, "amount")
	if err != nil {
		t.Fatalf("RemoveField() failed: %v", err)
	}
	if diff := cmp.Diff([]model.Field{{Name: "name", DataType: "text"}}, after.Fields); diff != "" {
		t.Errorf("Fields after update/remove mismatch (-want +got):\n%s", diff)
	}
	if _, ok := after.ValidationRules["amount"]; ok {
		t.Error("RemoveField() left the field's rule behind")
	}
}

func TestFieldEditValidation(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)
	tmpl, _ := m.Create(ctx, "Form", "")
	m.AddField(ctx, tmpl.ID, "email", "string", true)

	tests := []struct {
		name string
		call func() error
		want *apperr.Error
	}{
		{"duplicate field", func() error { _, err := m.AddField(ctx, tmpl.ID, "email", "", false); return err }, apperr.ErrValidation},
		{"blank field", func() error { _, err := m.AddField(ctx, tmpl.ID, "  ", "", false); return err }, apperr.ErrValidation},
		{"markup only", func() error { _, err := m.AddField(ctx, tmpl.ID, "<br/>", "", false); return err }, apperr.ErrValidation},
		{"rule on unknown field", func() error { _, err := m.SetValidationRule(ctx, tmpl.ID, "nope", 1); return err }, apperr.ErrValidation},
		{"remove unknown field", func() error { _, err := m.RemoveField(ctx, tmpl.ID, "nope"); return err }, apperr.ErrNotFound},
		{"missing template", func() error { _, err := m.AddField(ctx, "missing", "x", "", false); return err }, apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want kind %v", err, tt.want.Kind)
			}
		})
	}

	got, _ := m.Get(ctx, tmpl.ID)
	if len(got.Fields) != 1 {
		t.Errorf("failed edits changed the template: %v", got.Fields)
	}
}

func TestAddFieldStripsMarkup(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)
	tmpl, _ := m.Create(ctx, "Form", "")

	updated, err := m.AddField(ctx, tmpl.ID, "<b>Total</b> & Tax", "number", false)
	if err != nil {
		t.Fatalf("AddField() failed: %v", err)
	}
	if got := updated.Fields[0].Name; got != "Total & Tax" {
		t.Errorf("field name = %q, want %q", got, "Total & Tax")
	}
}

func TestConcurrentFieldEditsAreSerialized(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)
	tmpl, _ := m.Create(ctx, "Busy", "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.AddField(ctx, tmpl.ID, fmt.Sprintf("f%d", i), "", false); err != nil {
				t.Errorf("AddField(f%d) failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := m.Get(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(got.Fields) != 10 {
		t.Errorf("got %d fields after 10 concurrent adds, want 10 (lost update)", len(got.Fields))
	}
}

func TestRejectModeReportsConflict(t *testing.T) {
	ctx := context.Background()
	guard := keylock.NewGuard(keylock.Reject)
	m := setupTestManager(t, WithGuard(guard))
	tmpl, _ := m.Create(ctx, "Busy", "")

	unlock, err := guard.Acquire(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	_, err = m.AddField(ctx, tmpl.ID, "x", "", false)
	unlock()
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("AddField() on busy template error = %v, want Conflict", err)
	}

	if _, err := m.AddField(ctx, tmpl.ID, "x", "", false); err != nil {
		t.Errorf("AddField() after release failed: %v", err)
	}
}

func TestUpdateMetadata(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)
	tmpl, _ := m.Create(ctx, "Old", "old description")

	got, err := m.Update(ctx, tmpl.ID, "New", "")
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if got.Name != "New" || got.Description != "old description" {
		t.Errorf("Update() = %q/%q, want New/old description", got.Name, got.Description)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t, WithClock(stepClock()))
	m.Create(ctx, "Monthly Invoice", "billing")
	m.Create(ctx, "Patient Intake", "clinic registration form")
	m.Create(ctx, "Invoice Reminder", "")

	results, err := m.Search(ctx, "invoice")
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	var names []string
	for _, r := range results {
		names = append(names, r.Template.Name)
	}
	if diff := cmp.Diff([]string{"Monthly Invoice", "Invoice Reminder"}, names); diff != "" {
		t.Errorf("Search() mismatch (-want +got):\n%s", diff)
	}

	byDescription, _ := m.Search(ctx, "registration")
	if len(byDescription) != 1 || byDescription[0].Template.Name != "Patient Intake" {
		t.Errorf("Search(registration) = %+v, want Patient Intake", byDescription)
	}

	if _, err := m.Search(ctx, " "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Search(blank) error = %v, want ValidationFailure", err)
	}
}

type stubExtractor struct {
	fields []model.Field
	err    error
}

func (s stubExtractor) Extract(r io.Reader) ([]model.Field, error) { return s.fields, s.err }

type stubRenderer struct{}

func (stubRenderer) Render(ctx context.Context, tmpl *model.Template, data map[string]any) ([]byte, error) {
	return []byte(fmt.Sprintf("%s:%v", tmpl.Name, data["name"])), nil
}

type recordingDispatcher struct {
	docs         [][]byte
	destinations []string
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, doc []byte, destination string) error {
	r.docs = append(r.docs, doc)
	r.destinations = append(r.destinations, destination)
	return nil
}

func TestImportFields(t *testing.T) {
	ctx := context.Background()
	extractor := stubExtractor{fields: []model.Field{
		{Name: "name", DataType: "string"},
		{Name: "email", DataType: "string"},
		{Name: "name", DataType: "string"}, // duplicate is skipped
		{Name: "<i>age</i>", DataType: "number"},
	}}
	m := setupTestManager(t, WithExtractor(extractor))
	tmpl, _ := m.Create(ctx, "Imported", "")

	updated, added, err := m.ImportFields(ctx, tmpl.ID, strings.NewReader("ignored"))
	if err != nil {
		t.Fatalf("ImportFields() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"name", "email", "age"}, added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"name", "email", "age"}, updated.FieldNames()); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}

	failing := setupTestManager(t, WithExtractor(stubExtractor{err: errors.New("bad header")}))
	other, _ := failing.Create(ctx, "Other", "")
	if _, _, err := failing.ImportFields(ctx, other.ID, strings.NewReader("")); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("ImportFields() with failing extractor error = %v, want ValidationFailure", err)
	}
}

func TestPreviewAndPrint(t *testing.T) {
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	m := setupTestManager(t, WithRenderer(stubRenderer{}), WithDispatcher(dispatcher))
	tmpl, _ := m.Create(ctx, "Letter", "")

	doc, err := m.Preview(ctx, tmpl.ID, map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("Preview() failed: %v", err)
	}
	if string(doc) != "Letter:Ada" {
		t.Errorf("Preview() = %q, want %q", doc, "Letter:Ada")
	}

	if err := m.Print(ctx, tmpl.ID, map[string]any{"name": "Ada"}, "front-desk"); err != nil {
		t.Fatalf("Print() failed: %v", err)
	}
	if len(dispatcher.docs) != 1 || dispatcher.destinations[0] != "front-desk" {
		t.Errorf("dispatcher received %v to %v", dispatcher.docs, dispatcher.destinations)
	}

	if err := m.Print(ctx, tmpl.ID, nil, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Print() without destination error = %v, want ValidationFailure", err)
	}

	bare := setupTestManager(t)
	if _, err := bare.Preview(ctx, tmpl.ID, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Preview() without renderer error = %v, want ValidationFailure", err)
	}
}
