package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"template-ledger/internal/config"
	"template-ledger/internal/keylock"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg, err := config.Load(config.NewViper(), "")
	if err != nil {
		t.Fatalf("config.Load() failed: %v", err)
	}
	dir := t.TempDir()
	cfg.Storage.Backend = backend
	cfg.Storage.Path = filepath.Join(dir, "data")
	cfg.Storage.SQLitePath = filepath.Join(dir, "templates.db")
	return cfg
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output missing record: %s", out)
	}

	buf.Reset()
	NewLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf).Debug("details")
	if !strings.Contains(buf.String(), "msg=details") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestServicesShareOneStore(t *testing.T) {
	for _, backend := range []string{config.BackendJSON, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			svc, err := New(ctx, testConfig(t, backend), nil)
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer svc.Close()

			tmpl, err := svc.Templates.Create(ctx, "Invoice", "")
			if err != nil {
				t.Fatalf("Create() failed: %v", err)
			}
			if _, err := svc.Templates.AddField(ctx, tmpl.ID, "customer", "", true); err != nil {
				t.Fatalf("AddField() failed: %v", err)
			}
			if _, err := svc.Ledger.CreateVersion(ctx, tmpl.ID, nil, "first"); err != nil {
				t.Fatalf("CreateVersion() failed: %v", err)
			}
			if _, err := svc.Shares.Grant(ctx, tmpl.ID, []string{"u"}, nil); err != nil {
				t.Fatalf("Grant() failed: %v", err)
			}

			results, err := svc.Suggest.Suggest(ctx, map[string]any{"customer": "Acme"})
			if err != nil || len(results) != 1 || results[0].TemplateID != tmpl.ID {
				t.Errorf("Suggest() = %+v, %v", results, err)
			}

			doc, err := svc.Templates.Preview(ctx, tmpl.ID, map[string]any{"customer": "Acme"})
			if err != nil || !bytes.Contains(doc, []byte("Acme")) {
				t.Errorf("Preview() = %q, %v", doc, err)
			}

			if _, _, err := svc.Templates.ImportFields(ctx, tmpl.ID, strings.NewReader("total\n")); err != nil {
				t.Errorf("ImportFields() failed: %v", err)
			}
		})
	}
}

func TestRejectModeIsShared(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendJSON)
	cfg.Locking.Mode = "reject"

	svc, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer svc.Close()

	if svc.Guard.Mode() != keylock.Reject {
		t.Fatalf("guard mode = %v, want reject", svc.Guard.Mode())
	}
	if svc.Templates.Guard() != svc.Guard {
		t.Error("template manager does not share the service guard")
	}
}

func TestBackupsDisabledByDefault(t *testing.T) {
	svc, err := New(context.Background(), testConfig(t, config.BackendJSON), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer svc.Close()

	if _, err := svc.Backups(context.Background()); !errors.Is(err, ErrBackupsDisabled) {
		t.Errorf("Backups() err = %v, want ErrBackupsDisabled", err)
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	if _, _, err := OpenStore(context.Background(), config.StorageConfig{Backend: "mongo"}, nil); err == nil {
		t.Error("OpenStore() with unknown backend succeeded")
	}
}

func TestRecoveredRestoreLoggedOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendJSON)

	svc, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	tmpl, err := svc.Templates.Create(ctx, "Invoice", "")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	svc.Close()

	// Leave a journal behind as if the process stopped mid-restore
	restored := *tmpl
	restored.Name = "Restored"
	data, err := json.Marshal(map[string]any{"backupVersionId": "backup", "template": restored})
	if err != nil {
		t.Fatalf("marshal journal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Storage.Path, "restores", tmpl.ID+".json"), data, 0644); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	var buf bytes.Buffer
	svc, err = New(ctx, cfg, NewLogger(config.LogConfig{Level: "info", Format: "text"}, &buf))
	if err != nil {
		t.Fatalf("New() after crash failed: %v", err)
	}
	defer svc.Close()

	if len(svc.Recovered) != 1 || svc.Recovered[0] != tmpl.ID {
		t.Errorf("Recovered = %v, want [%s]", svc.Recovered, tmpl.ID)
	}
	if n := strings.Count(buf.String(), "Completed interrupted restore"); n != 1 {
		t.Errorf("recovery logged %d times, want 1:\n%s", n, buf.String())
	}
	if got, err := svc.Templates.Get(ctx, tmpl.ID); err != nil || got.Name != "Restored" {
		t.Errorf("Get() after recovery = %+v, %v", got, err)
	}
}
