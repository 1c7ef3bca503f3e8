package apperr

import (
	"context"
	"errors"

	"template-ledger/internal/keylock"
	"template-ledger/internal/storage"
)

// Classify maps a non-nil failure from the store or the lock layer onto the
// taxonomy: absent records become NotFound, busy locks Conflict, malformed
// ids ValidationFailure, and everything else IOFailure. Errors that are
// already classified pass through with their kind intact.
func Classify(op, templateID string, err error) *Error {
	var classified *Error
	switch {
	case errors.As(err, &classified):
		return classified
	case errors.Is(err, storage.ErrNotFound):
		return NotFound(op, templateID, "", err)
	case errors.Is(err, keylock.ErrBusy):
		return Conflict(op, templateID, err)
	case errors.Is(err, storage.ErrInvalidID):
		return &Error{Kind: KindValidation, Op: op, TemplateID: templateID, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindUnknown, Op: op, TemplateID: templateID, Err: err}
	default:
		return IO(op, templateID, err)
	}
}
