// Package dispatch delivers rendered documents.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"template-ledger/pkg/fsutils"
)

// LogDispatcher records print jobs through slog instead of talking to a
// printer. Destinations of the form "file://<dir>" additionally get the
// document written into <dir>.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, document []byte, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if dir, ok := strings.CutPrefix(destination, "file://"); ok {
		if err := fsutils.CreateDir(dir); err != nil {
			return fmt.Errorf("preparing spool directory: %w", err)
		}
		path := SpoolPath(dir, document)
		if err := fsutils.WriteFileAtomic(path, document, 0644); err != nil {
			return fmt.Errorf("spooling document: %w", err)
		}
		d.logger.Info("Spooled print job", "destination", destination, "path", path, "bytes", len(document))
		return nil
	}

	sum := sha256.Sum256(document)
	d.logger.Info("Print job", "destination", destination, "bytes", len(document), "sha256", hex.EncodeToString(sum[:]))
	return nil
}

// SpoolPath reports where a file:// destination puts a document.
func SpoolPath(dir string, document []byte) string {
	sum := sha256.Sum256(document)
	return filepath.Join(dir, hex.EncodeToString(sum[:])[:16]+".html")
}
