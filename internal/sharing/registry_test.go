package sharing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"template-ledger/internal/apperr"
	"template-ledger/internal/keylock"
	"template-ledger/internal/model"
	"template-ledger/internal/storage"
	"template-ledger/internal/templatemanager"
)

func setup(t *testing.T) (*templatemanager.Manager, *Registry) {
	t.Helper()
	store, err := storage.NewJSONStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewJSONStore() failed: %v", err)
	}
	guard := keylock.NewGuard(keylock.Block)
	return templatemanager.NewManager(store, templatemanager.WithGuard(guard)), New(store, WithGuard(guard))
}

func sharedIDs(shared []model.SharedTemplate) []string {
	ids := []string{}
	for _, s := range shared {
		ids = append(ids, s.Template.ID)
	}
	return ids
}

// Scenario: revoking one grantee leaves the other's grant intact.
func TestGrantRevokeIsolation(t *testing.T) {
	ctx := context.Background()
	m, r := setup(t)
	tmpl, _ := m.Create(ctx, "T", "")

	state, err := r.Grant(ctx, tmpl.ID, []string{"u1", "u2"}, &model.Permissions{Read: true})
	if err != nil {
		t.Fatalf("Grant() failed: %v", err)
	}
	if len(state.Grants) != 2 || state.TemplateID != tmpl.ID {
		t.Fatalf("Grant() state = %+v, want 2 grants on %s", state, tmpl.ID)
	}

	removed, err := r.Revoke(ctx, tmpl.ID, []string{"u1"})
	if err != nil || !removed {
		t.Fatalf("Revoke() = %v, %v; want true, nil", removed, err)
	}

	u1, err := r.ListForGrantee(ctx, "u1")
	if err != nil {
		t.Fatalf("ListForGrantee(u1) failed: %v", err)
	}
	if len(u1) != 0 {
		t.Errorf("ListForGrantee(u1) = %v, want empty", sharedIDs(u1))
	}

	u2, err := r.ListForGrantee(ctx, "u2")
	if err != nil {
		t.Fatalf("ListForGrantee(u2) failed: %v", err)
	}
	if diff := cmp.Diff([]string{tmpl.ID}, sharedIDs(u2)); diff != "" {
		t.Errorf("ListForGrantee(u2) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(model.ReadOnly(), u2[0].Permissions); diff != "" {
		t.Errorf("u2 permissions changed by revoking u1 (-want +got):\n%s", diff)
	}
}

func TestGrantDefaultsToReadOnly(t *testing.T) {
	ctx := context.Background()
	m, r := setup(t)
	tmpl, _ := m.Create(ctx, "T", "")

	if _, err := r.Grant(ctx, tmpl.ID, []string{"viewer"}, nil); err != nil {
		t.Fatalf("Grant() failed: %v", err)
	}
	perms, ok, err := r.Permissions(ctx, tmpl.ID, "viewer")
	if err != nil || !ok {
		t.Fatalf("Permissions() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(model.Permissions{Read: true}, perms); diff != "" {
		t.Errorf("default permissions mismatch (-want +got):\n%s", diff)
	}
}

func TestRegrantReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	m, r := setup(t)
	tmpl, _ := m.Create(ctx, "T", "")

	r.Grant(ctx, tmpl.ID, []string{"a", "b"}, nil)
	state, err := r.Grant(ctx, tmpl.ID, []string{"a", "a"}, &model.Permissions{Read: true, Edit: true})
	if err != nil {
		t.Fatalf("re-Grant() failed: %v", err)
	}

	if len(state.Grants) != 2 {
		t.Fatalf("re-Grant() produced %d grants, want 2 (no duplicates)", len(state.Grants))
	}
	if state.Grants[0].GranteeID != "a" || !state.Grants[0].Permissions.Edit {
		t.Errorf("grant for a = %+v, want edit replaced in place", state.Grants[0])
	}
	if state.Grants[1].Permissions.Edit {
		t.Errorf("grant for b was changed: %+v", state.Grants[1])
	}

	// Replaced, not merged
	r.Grant(ctx, tmpl.ID, []string{"a"}, &model.Permissions{Read: true, Delete: true})
	perms, _, _ := r.Permissions(ctx, tmpl.ID, "a")
	if diff := cmp.Diff(model.Permissions{Read: true, Delete: true}, perms); diff != "" {
		t.Errorf("permissions were merged instead of replaced (-want +got):\n%s", diff)
	}
}

func TestGrantValidation(t *testing.T) {
	ctx := context.Background()
	m, r := setup(t)
	tmpl, _ := m.Create(ctx, "T", "")

	tests := []struct {
		name     string
		grantees []string
		perms    *model.Permissions
	}{
		{name: "empty grantee list", grantees: nil},
		{name: "blank grantee", grantees: []string{"ok", " "}},
		{name: "no rights", grantees: []string{"u"}, perms: &model.Permissions{}},
		{name: "edit without read", grantees: []string{"u"}, perms: &model.Permissions{Edit: true}},
		{name: "delete without read", grantees: []string{"u"}, perms: &model.Permissions{Delete: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Grant(ctx, tmpl.ID, tt.grantees, tt.perms); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("Grant() error = %v, want ValidationFailure", err)
			}
		})
	}

	grants, _ := r.ListGrants(ctx, tmpl.ID)
	if len(grants) != 0 {
		t.Errorf("rejected grants were written: %+v", grants)
	}

	if _, err := r.Revoke(ctx, tmpl.ID, []string{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Revoke(empty) error = %v, want ValidationFailure", err)
	}
}

func TestGrantMissingTemplate(t *testing.T) {
	_, r := setup(t)
	ctx := context.Background()

	if _, err := r.Grant(ctx, "missing", []string{"u"}, nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Grant(missing) error = %v, want NotFound", err)
	}
	if _, err := r.Revoke(ctx, "missing", []string{"u"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Revoke(missing) error = %v, want NotFound", err)
	}
	if _, err := r.ListGrants(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("ListGrants(missing) error = %v, want NotFound", err)
	}
}

func TestRevokeAbsentGranteeIsNoop(t *testing.T) {
	ctx := context.Background()
	m, r := setup(t)
	tmpl, _ := m.Create(ctx, "T", "")
	r.Grant(ctx, tmpl.ID, []string{"keep"}, nil)

	removed, err := r.Revoke(ctx, tmpl.ID, []string{"stranger"})
	if err != nil {
		t.Fatalf("Revoke() failed: %v", err)
	}
	if removed {
		t.Error("Revoke() of an absent grantee = true, want false")
	}
	grants, _ := r.ListGrants(ctx, tmpl.ID)
	if len(grants) != 1 || grants[0].GranteeID != "keep" {
		t.Errorf("grants after no-op revoke = %+v", grants)
	}
}

func TestDeleteCascadesToShares(t *testing.T) {
	ctx := context.Background()
	m, r := setup(t)
	doomed, _ := m.Create(ctx, "Doomed", "")
	kept, _ := m.Create(ctx, "Kept", "")
	r.Grant(ctx, doomed.ID, []string{"u"}, nil)
	r.Grant(ctx, kept.ID, []string{"u"}, nil)

	if _, err := m.Delete(ctx, doomed.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	shared, err := r.ListForGrantee(ctx, "u")
	if err != nil {
		t.Fatalf("ListForGrantee() failed: %v", err)
	}
	if diff := cmp.Diff([]string{kept.ID}, sharedIDs(shared)); diff != "" {
		t.Errorf("ListForGrantee() after delete mismatch (-want +got):\n%s", diff)
	}
}

func TestEffectivePermissions(t *testing.T) {
	ctx := context.Background()
	m, r := setup(t)
	tmpl, _ := m.CreateOwned(ctx, "owner-1", "Owned", "")
	r.Grant(ctx, tmpl.ID, []string{"editor"}, &model.Permissions{Read: true, Edit: true})

	tests := []struct {
		subject string
		want    model.Permissions
	}{
		{"owner-1", model.AllPermissions()},
		{"editor", model.Permissions{Read: true, Edit: true}},
		{"stranger", model.Permissions{}},
		{"", model.Permissions{}},
	}
	for _, tt := range tests {
		got, err := r.Effective(ctx, tmpl, tt.subject)
		if err != nil {
			t.Fatalf("Effective(%q) failed: %v", tt.subject, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Effective(%q) mismatch (-want +got):\n%s", tt.subject, diff)
		}
	}
}

func TestListForGranteeRequiresID(t *testing.T) {
	_, r := setup(t)
	if _, err := r.ListForGrantee(context.Background(), ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("ListForGrantee(\"\") error = %v, want ValidationFailure", err)
	}
}
