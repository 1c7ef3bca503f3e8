// Package storagetest holds the behavioural tests every storage.DataStore
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"template-ledger/internal/model"
	"template-ledger/internal/storage"
)

// Factory returns a fresh, empty store. Cleanup is the factory's concern.
type Factory func(t *testing.T) storage.DataStore

// SampleTemplate builds a template with two fields and a rule.
func SampleTemplate(id, name string) *model.Template {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Template{
		ID:          id,
		Name:        name,
		Description: name + " description",
		CreatedAt:   now,
		UpdatedAt:   now,
		Fields: []model.Field{
			{Name: "name", DataType: "string", Required: true},
			{Name: "amount", DataType: "number"},
		},
		ValidationRules: map[string]any{
			"amount": map[string]any{"min": 0.0},
		},
	}
}

// SampleVersion builds a version entry snapshotting tmpl.
func SampleVersion(tmpl *model.Template, versionID string, at time.Time) *model.VersionEntry {
	return &model.VersionEntry{
		VersionID:  versionID,
		TemplateID: tmpl.ID,
		Changes:    map[string]any{"action": "test"},
		Note:       "note " + versionID,
		CreatedAt:  at.UTC().Truncate(time.Millisecond),
		Snapshot:   *tmpl.Clone(),
	}
}

// timeEqual compares instants regardless of location or monotonic reading.
var timeEqual = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

// Run exercises the DataStore contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveLoadTemplate", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		original := SampleTemplate("tmpl-1", "Invoice")
		if err := store.SaveTemplate(ctx, original); err != nil {
			t.Fatalf("SaveTemplate() failed: %v", err)
		}

		loaded, err := store.LoadTemplate(ctx, original.ID)
		if err != nil {
			t.Fatalf("LoadTemplate() failed: %v", err)
		}
		if diff := cmp.Diff(original, loaded, timeEqual); diff != "" {
			t.Errorf("LoadTemplate() mismatch (-want +got):\n%s", diff)
		}

		// Overwrite in place
		loaded.Name = "Invoice v2"
		loaded.Fields = append(loaded.Fields, model.Field{Name: "date", DataType: "date"})
		if err := store.SaveTemplate(ctx, loaded); err != nil {
			t.Fatalf("SaveTemplate() overwrite failed: %v", err)
		}
		again, err := store.LoadTemplate(ctx, original.ID)
		if err != nil {
			t.Fatalf("LoadTemplate() after overwrite failed: %v", err)
		}
		if again.Name != "Invoice v2" || len(again.Fields) != 3 {
			t.Errorf("overwrite not persisted: %+v", again)
		}
	})

	t.Run("LoadMissingIsNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.LoadTemplate(context.Background(), "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("LoadTemplate(missing) error = %v, want ErrNotFound", err)
		}
		_, err = store.LoadVersion(context.Background(), "missing", "v1")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("LoadVersion(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListTemplates", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		empty, err := store.ListTemplates(ctx)
		if err != nil {
			t.Fatalf("ListTemplates() on empty store failed: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("ListTemplates() on empty store returned %d templates", len(empty))
		}

		for _, id := range []string{"a", "b", "c"} {
			if err := store.SaveTemplate(ctx, SampleTemplate(id, "T "+id)); err != nil {
				t.Fatalf("SaveTemplate(%s) failed: %v", id, err)
			}
		}
		all, err := store.ListTemplates(ctx)
		if err != nil {
			t.Fatalf("ListTemplates() failed: %v", err)
		}
		var ids []string
		for _, tmpl := range all {
			ids = append(ids, tmpl.ID)
		}
		sort.Strings(ids)
		if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
			t.Errorf("ListTemplates() ids mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("VersionsRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		tmpl := SampleTemplate("tmpl-v", "Versioned")
		if err := store.SaveTemplate(ctx, tmpl); err != nil {
			t.Fatalf("SaveTemplate() failed: %v", err)
		}
		base := time.Now()
		v1 := SampleVersion(tmpl, "v1", base)
		v2 := SampleVersion(tmpl, "v2", base.Add(time.Second))
		for _, v := range []*model.VersionEntry{v1, v2} {
			if err := store.AppendVersion(ctx, v); err != nil {
				t.Fatalf("AppendVersion(%s) failed: %v", v.VersionID, err)
			}
		}

		got, err := store.LoadVersion(ctx, tmpl.ID, "v2")
		if err != nil {
			t.Fatalf("LoadVersion() failed: %v", err)
		}
		if diff := cmp.Diff(v2, got, timeEqual); diff != "" {
			t.Errorf("LoadVersion() mismatch (-want +got):\n%s", diff)
		}

		list, err := store.ListVersions(ctx, tmpl.ID)
		if err != nil {
			t.Fatalf("ListVersions() failed: %v", err)
		}
		sortByID := cmpopts.SortSlices(func(a, b *model.VersionEntry) bool { return a.VersionID < b.VersionID })
		if diff := cmp.Diff([]*model.VersionEntry{v1, v2}, list, timeEqual, sortByID); diff != "" {
			t.Errorf("ListVersions() mismatch (-want +got):\n%s", diff)
		}

		// A version id is scoped to its template
		if _, err := store.LoadVersion(ctx, "other", "v1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("LoadVersion(other, v1) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("SharesReplaceAndQuery", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		for _, id := range []string{"t1", "t2"} {
			if err := store.SaveTemplate(ctx, SampleTemplate(id, id)); err != nil {
				t.Fatalf("SaveTemplate(%s) failed: %v", id, err)
			}
		}

		none, err := store.LoadShares(ctx, "t1")
		if err != nil {
			t.Fatalf("LoadShares() on unshared template failed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("LoadShares() on unshared template = %v, want empty", none)
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		grants := []model.ShareGrant{
			{TemplateID: "t1", GranteeID: "alice", Permissions: model.ReadOnly(), GrantedAt: now},
			{TemplateID: "t1", GranteeID: "bob", Permissions: model.AllPermissions(), GrantedAt: now},
		}
		if err := store.SaveShares(ctx, "t1", grants); err != nil {
			t.Fatalf("SaveShares(t1) failed: %v", err)
		}
		if err := store.SaveShares(ctx, "t2", []model.ShareGrant{
			{TemplateID: "t2", GranteeID: "alice", Permissions: model.Permissions{Read: true, Edit: true}, GrantedAt: now},
		}); err != nil {
			t.Fatalf("SaveShares(t2) failed: %v", err)
		}

		byGrantee := cmpopts.SortSlices(func(a, b model.ShareGrant) bool { return a.GranteeID < b.GranteeID })
		loaded, err := store.LoadShares(ctx, "t1")
		if err != nil {
			t.Fatalf("LoadShares(t1) failed: %v", err)
		}
		if diff := cmp.Diff(grants, loaded, timeEqual, byGrantee); diff != "" {
			t.Errorf("LoadShares(t1) mismatch (-want +got):\n%s", diff)
		}

		aliceGrants, err := store.ListSharesForGrantee(ctx, "alice")
		if err != nil {
			t.Fatalf("ListSharesForGrantee(alice) failed: %v", err)
		}
		if len(aliceGrants) != 2 {
			t.Errorf("ListSharesForGrantee(alice) returned %d grants, want 2", len(aliceGrants))
		}

		// Replacing with a shorter list drops the missing grantee
		if err := store.SaveShares(ctx, "t1", grants[:1]); err != nil {
			t.Fatalf("SaveShares(t1) replace failed: %v", err)
		}
		bobGrants, err := store.ListSharesForGrantee(ctx, "bob")
		if err != nil {
			t.Fatalf("ListSharesForGrantee(bob) failed: %v", err)
		}
		if len(bobGrants) != 0 {
			t.Errorf("bob still holds %d grants after replacement", len(bobGrants))
		}

		if err := store.SaveShares(ctx, "t1", nil); err != nil {
			t.Fatalf("SaveShares(t1, nil) failed: %v", err)
		}
		cleared, _ := store.LoadShares(ctx, "t1")
		if len(cleared) != 0 {
			t.Errorf("LoadShares(t1) after clear = %v, want empty", cleared)
		}
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		tmpl := SampleTemplate("doomed", "Doomed")
		keep := SampleTemplate("kept", "Kept")
		for _, tp := range []*model.Template{tmpl, keep} {
			if err := store.SaveTemplate(ctx, tp); err != nil {
				t.Fatalf("SaveTemplate(%s) failed: %v", tp.ID, err)
			}
			if err := store.AppendVersion(ctx, SampleVersion(tp, tp.ID+"-v1", time.Now())); err != nil {
				t.Fatalf("AppendVersion() failed: %v", err)
			}
			if err := store.SaveShares(ctx, tp.ID, []model.ShareGrant{
				{TemplateID: tp.ID, GranteeID: "carol", Permissions: model.ReadOnly(), GrantedAt: time.Now().UTC()},
			}); err != nil {
				t.Fatalf("SaveShares() failed: %v", err)
			}
		}

		existed, err := store.DeleteTemplate(ctx, tmpl.ID)
		if err != nil {
			t.Fatalf("DeleteTemplate() failed: %v", err)
		}
		if !existed {
			t.Error("DeleteTemplate() = false for an existing template")
		}

		if _, err := store.LoadTemplate(ctx, tmpl.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("LoadTemplate() after delete error = %v, want ErrNotFound", err)
		}
		versions, err := store.ListVersions(ctx, tmpl.ID)
		if err != nil {
			t.Fatalf("ListVersions() after delete failed: %v", err)
		}
		if len(versions) != 0 {
			t.Errorf("ListVersions() after delete returned %d orphans", len(versions))
		}
		carol, err := store.ListSharesForGrantee(ctx, "carol")
		if err != nil {
			t.Fatalf("ListSharesForGrantee() failed: %v", err)
		}
		if len(carol) != 1 || carol[0].TemplateID != keep.ID {
			t.Errorf("carol's grants after delete = %+v, want only %s", carol, keep.ID)
		}
		keptVersions, _ := store.ListVersions(ctx, keep.ID)
		if len(keptVersions) != 1 {
			t.Errorf("unrelated template lost versions: %d", len(keptVersions))
		}

		existed, err = store.DeleteTemplate(ctx, tmpl.ID)
		if err != nil {
			t.Fatalf("second DeleteTemplate() failed: %v", err)
		}
		if existed {
			t.Error("second DeleteTemplate() = true, want false")
		}
	})

	t.Run("CommitRestore", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		tmpl := SampleTemplate("restored", "Before")
		if err := store.SaveTemplate(ctx, tmpl); err != nil {
			t.Fatalf("SaveTemplate() failed: %v", err)
		}
		backup := SampleVersion(tmpl, "backup-1", time.Now())
		backup.Changes = map[string]any{"action": "pre-restore-backup", "restoredTo": "v0"}

		target := tmpl.Clone()
		target.Name = "After"
		target.Fields = target.Fields[:1]
		if err := store.CommitRestore(ctx, backup, target); err != nil {
			t.Fatalf("CommitRestore() failed: %v", err)
		}

		live, err := store.LoadTemplate(ctx, tmpl.ID)
		if err != nil {
			t.Fatalf("LoadTemplate() failed: %v", err)
		}
		if diff := cmp.Diff(target, live, timeEqual); diff != "" {
			t.Errorf("live template after restore mismatch (-want +got):\n%s", diff)
		}
		saved, err := store.LoadVersion(ctx, tmpl.ID, backup.VersionID)
		if err != nil {
			t.Fatalf("backup entry missing: %v", err)
		}
		if saved.Snapshot.Name != "Before" {
			t.Errorf("backup snapshot name = %q, want %q", saved.Snapshot.Name, "Before")
		}
	})
}
