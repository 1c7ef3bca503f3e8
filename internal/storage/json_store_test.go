package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"template-ledger/internal/storage"
	"template-ledger/internal/storage/storagetest"
)

func newTestStore(t *testing.T, basePath string) *storage.JSONStore {
	t.Helper()
	store, err := storage.NewJSONStore(basePath, nil)
	if err != nil {
		t.Fatalf("NewJSONStore() failed: %v", err)
	}
	return store
}

func TestJSONStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.DataStore {
		return newTestStore(t, filepath.Join(t.TempDir(), ".test_metadata"))
	})
}

func TestNewJSONStore(t *testing.T) {
	metadataPath := filepath.Join(t.TempDir(), ".test_metadata")
	store := newTestStore(t, metadataPath)

	for _, dir := range []string{"templates", "versions", "shares", "restores"} {
		if _, err := os.Stat(filepath.Join(metadataPath, dir)); os.IsNotExist(err) {
			t.Errorf("NewJSONStore() did not create %s", dir)
		}
	}
	if store.GetBasePath() != metadataPath {
		t.Errorf("GetBasePath() returned %q, want %q", store.GetBasePath(), metadataPath)
	}
	if len(store.Recovered()) != 0 {
		t.Errorf("Recovered() on fresh store = %v, want empty", store.Recovered())
	}
}

func TestSaveTemplateWritesFile(t *testing.T) {
	metadataPath := t.TempDir()
	store := newTestStore(t, metadataPath)

	tmpl := storagetest.SampleTemplate("file-check", "File Check")
	if err := store.SaveTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("SaveTemplate() failed: %v", err)
	}

	expected := filepath.Join(metadataPath, "templates", "file-check.json")
	data, err := os.ReadFile(expected)
	if err != nil {
		t.Fatalf("SaveTemplate() did not create %s: %v", expected, err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("template file is not valid JSON: %v", err)
	}
	if decoded["name"] != "File Check" {
		t.Errorf("decoded name = %v", decoded["name"])
	}
}

func TestRejectsUnsafeIDs(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"", "..", "../escape", `a\b`, ".hidden"} {
		if _, err := store.LoadTemplate(ctx, id); !errors.Is(err, storage.ErrInvalidID) {
			t.Errorf("LoadTemplate(%q) error = %v, want ErrInvalidID", id, err)
		}
		tmpl := storagetest.SampleTemplate(id, "x")
		if err := store.SaveTemplate(ctx, tmpl); !errors.Is(err, storage.ErrInvalidID) {
			t.Errorf("SaveTemplate(%q) error = %v, want ErrInvalidID", id, err)
		}
	}
}

func TestListSkipsTempFiles(t *testing.T) {
	metadataPath := t.TempDir()
	store := newTestStore(t, metadataPath)
	ctx := context.Background()

	if err := store.SaveTemplate(ctx, storagetest.SampleTemplate("real", "Real")); err != nil {
		t.Fatalf("SaveTemplate() failed: %v", err)
	}
	// A crash can leave a half-written temp file behind
	leftover := filepath.Join(metadataPath, "templates", ".real.json.tmp-123")
	if err := os.WriteFile(leftover, []byte("{trunc"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	all, err := store.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates() failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != "real" {
		t.Errorf("ListTemplates() = %d templates, want only 'real'", len(all))
	}
}

func TestInterruptedRestoreIsReplayed(t *testing.T) {
	metadataPath := t.TempDir()
	store := newTestStore(t, metadataPath)
	ctx := context.Background()

	// 1. Live template and its backup entry exist
	live := storagetest.SampleTemplate("tmpl-crash", "Live")
	if err := store.SaveTemplate(ctx, live); err != nil {
		t.Fatalf("SaveTemplate() failed: %v", err)
	}
	backup := storagetest.SampleVersion(live, "backup-v", time.Now())
	if err := store.AppendVersion(ctx, backup); err != nil {
		t.Fatalf("AppendVersion() failed: %v", err)
	}

	// 2. Simulate a crash after the journal was written but before the overwrite
	target := live.Clone()
	target.Name = "Restored"
	journal := map[string]any{"backupVersionId": backup.VersionID, "template": target}
	data, err := json.Marshal(journal)
	if err != nil {
		t.Fatalf("marshal journal: %v", err)
	}
	journalPath := filepath.Join(metadataPath, "restores", live.ID+".json")
	if err := os.WriteFile(journalPath, data, 0644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	// 3. Reopening completes the restore and clears the journal
	reopened := newTestStore(t, metadataPath)
	got, err := reopened.LoadTemplate(ctx, live.ID)
	if err != nil {
		t.Fatalf("LoadTemplate() after replay failed: %v", err)
	}
	if got.Name != "Restored" {
		t.Errorf("template name after replay = %q, want %q", got.Name, "Restored")
	}
	if _, err := os.Stat(journalPath); !os.IsNotExist(err) {
		t.Error("restore journal was not removed after replay")
	}
	if rec := reopened.Recovered(); len(rec) != 1 || rec[0] != live.ID {
		t.Errorf("Recovered() = %v, want [%s]", rec, live.ID)
	}
}

func TestJournalForDeletedTemplateIsDropped(t *testing.T) {
	metadataPath := t.TempDir()
	newTestStore(t, metadataPath)

	journalPath := filepath.Join(metadataPath, "restores", "gone.json")
	data, _ := json.Marshal(map[string]any{"backupVersionId": "b", "template": storagetest.SampleTemplate("gone", "Gone")})
	if err := os.WriteFile(journalPath, data, 0644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	reopened := newTestStore(t, metadataPath)
	if _, err := reopened.LoadTemplate(context.Background(), "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("replay resurrected a deleted template: err = %v", err)
	}
	if len(reopened.Recovered()) != 0 {
		t.Errorf("Recovered() = %v, want empty", reopened.Recovered())
	}
}
