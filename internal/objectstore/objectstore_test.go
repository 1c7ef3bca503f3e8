package objectstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "template-backups",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"scheme in endpoint", func(c *Config) { c.Endpoint = "http://localhost:9000" }},
		{"no endpoint", func(c *Config) { c.Endpoint = " " }},
		{"no access key", func(c *Config) { c.AccessKey = "" }},
		{"no secret key", func(c *Config) { c.SecretKey = "" }},
		{"no region", func(c *Config) { c.Region = "" }},
		{"no bucket", func(c *Config) { c.Bucket = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error")
			}
		})
	}

	if (Config{}).Enabled() {
		t.Error("empty config reports Enabled")
	}
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2024, 3, 5, 10, 20, 30, 123, time.FixedZone("X", 3600))

	if got, want := ObjectKey("/backups/", at), "backups/bundle-20240305T092030.000000123Z.yaml"; got != want {
		t.Errorf("ObjectKey() = %q, want %q", got, want)
	}
	if got, want := ObjectKey("", at), "bundle-20240305T092030.000000123Z.yaml"; got != want {
		t.Errorf("ObjectKey(no prefix) = %q, want %q", got, want)
	}

	later := ObjectKey("p", at.Add(time.Second))
	if !(later > ObjectKey("p", at)) {
		t.Error("later key does not sort after earlier key")
	}
}

// Runs against a live server only when TEMPLATE_LEDGER_TEST_MINIO_ENDPOINT is set.
func TestPushPullList(t *testing.T) {
	endpoint := os.Getenv("TEMPLATE_LEDGER_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEMPLATE_LEDGER_TEST_MINIO_ENDPOINT not set")
	}
	ctx := context.Background()
	client, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("TEMPLATE_LEDGER_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("TEMPLATE_LEDGER_TEST_MINIO_SECRET_KEY"),
		Region:    "us-east-1",
		Bucket:    "template-ledger-test",
		Prefix:    "run-" + time.Now().UTC().Format("150405.000000"),
	}, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket() failed: %v", err)
	}

	first, err := client.Push(ctx, []byte("format: 1\n"), time.Now())
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	second, err := client.Push(ctx, []byte("format: 1\ntemplates: []\n"), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}

	latest, err := client.Latest(ctx)
	if err != nil || latest != second {
		t.Fatalf("Latest() = %q, %v; want %q", latest, err, second)
	}
	data, err := client.Pull(ctx, first)
	if err != nil || string(data) != "format: 1\n" {
		t.Fatalf("Pull() = %q, %v", data, err)
	}
	if _, err := client.Pull(ctx, "missing.yaml"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Pull(missing) error = %v, want ErrNotFound", err)
	}
}
