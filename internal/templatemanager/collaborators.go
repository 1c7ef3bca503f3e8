package templatemanager

import (
	"context"
	"io"

	"template-ledger/internal/model"
)

// FieldExtractor produces an ordered field list from raw tabular input.
// Names must be plain strings; the manager strips any markup regardless.
type FieldExtractor interface {
	Extract(r io.Reader) ([]model.Field, error)
}

// PreviewRenderer turns a template plus a data payload into a document.
// The manager does not know or care about the output format.
type PreviewRenderer interface {
	Render(ctx context.Context, tmpl *model.Template, data map[string]any) ([]byte, error)
}

// PrintDispatcher delivers a rendered document to a destination.
type PrintDispatcher interface {
	Dispatch(ctx context.Context, document []byte, destination string) error
}
