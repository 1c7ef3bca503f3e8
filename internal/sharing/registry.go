// Package sharing records which grantees may read, edit or delete a template.
//
// The registry is advisory: it never intercepts template or ledger calls.
// Callers that act on behalf of a non-owner consult Effective before
// allowing an operation.
package sharing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"template-ledger/internal/apperr"
	"template-ledger/internal/keylock"
	"template-ledger/internal/model"
	"template-ledger/internal/storage"
)

// Registry manages share grants.
type Registry struct {
	store  storage.DataStore
	guard  *keylock.Guard
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithGuard(g *keylock.Guard) Option {
	return func(r *Registry) { r.guard = g }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(store storage.DataStore, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		guard:  keylock.NewGuard(keylock.Block),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// validateGrantees rejects an empty list or blank ids and drops duplicates, keeping order.
func validateGrantees(op, templateID string, granteeIDs []string) ([]string, error) {
	if len(granteeIDs) == 0 {
		return nil, apperr.Validation(op, templateID, "at least one grantee is required")
	}
	seen := make(map[string]bool, len(granteeIDs))
	out := make([]string, 0, len(granteeIDs))
	for i, id := range granteeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, apperr.Validation(op, templateID, "grantee %d is empty", i)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// ValidatePermissions rejects permission sets that grant nothing, or grant
// edit/delete without read.
func ValidatePermissions(p model.Permissions) error {
	if !p.Read && !p.Edit && !p.Delete {
		return errors.New("permissions grant nothing; revoke instead")
	}
	if !p.Read {
		return errors.New("edit or delete requires read")
	}
	return nil
}

// Grant gives each grantee the permissions (read-only when nil). A grantee
// that already holds a grant has its permissions replaced in place.
func (r *Registry) Grant(ctx context.Context, templateID string, granteeIDs []string, perms *model.Permissions) (*model.ShareState, error) {
	const op = "sharing.Grant"

	grantees, err := validateGrantees(op, templateID, granteeIDs)
	if err != nil {
		return nil, err
	}
	p := model.ReadOnly()
	if perms != nil {
		p = *perms
	}
	if err := ValidatePermissions(p); err != nil {
		return nil, apperr.Validation(op, templateID, "invalid permissions: %v", err)
	}

	unlock, err := r.guard.Acquire(ctx, templateID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}
	defer unlock()

	if _, err := r.store.LoadTemplate(ctx, templateID); err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}
	grants, err := r.store.LoadShares(ctx, templateID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}

	now := r.now().UTC()
	index := make(map[string]int, len(grants))
	for i, g := range grants {
		index[g.GranteeID] = i
	}
	for _, grantee := range grantees {
		if i, ok := index[grantee]; ok {
			grants[i].Permissions = p
			grants[i].GrantedAt = now
			continue
		}
		index[grantee] = len(grants)
		grants = append(grants, model.ShareGrant{
			TemplateID:  templateID,
			GranteeID:   grantee,
			Permissions: p,
			GrantedAt:   now,
		})
	}

	if err := r.store.SaveShares(ctx, templateID, grants); err != nil {
		r.logger.Error("Error saving shares", "templateID", templateID, "error", err)
		return nil, apperr.Classify(op, templateID, err)
	}

	r.logger.Info("Granted access", "templateID", templateID, "grantees", grantees,
		"read", p.Read, "edit", p.Edit, "delete", p.Delete)
	return &model.ShareState{TemplateID: templateID, Grants: grants}, nil
}

// Revoke removes the named grantees' grants. Grantees without a grant are
// ignored. It reports whether anything was removed.
func (r *Registry) Revoke(ctx context.Context, templateID string, granteeIDs []string) (bool, error) {
	const op = "sharing.Revoke"

	grantees, err := validateGrantees(op, templateID, granteeIDs)
	if err != nil {
		return false, err
	}

	unlock, err := r.guard.Acquire(ctx, templateID)
	if err != nil {
		return false, apperr.Classify(op, templateID, err)
	}
	defer unlock()

	if _, err := r.store.LoadTemplate(ctx, templateID); err != nil {
		return false, apperr.Classify(op, templateID, err)
	}
	grants, err := r.store.LoadShares(ctx, templateID)
	if err != nil {
		return false, apperr.Classify(op, templateID, err)
	}

	drop := make(map[string]bool, len(grantees))
	for _, g := range grantees {
		drop[g] = true
	}
	kept := grants[:0]
	for _, g := range grants {
		if !drop[g.GranteeID] {
			kept = append(kept, g)
		}
	}
	if len(kept) == len(grants) {
		return false, nil
	}

	if err := r.store.SaveShares(ctx, templateID, kept); err != nil {
		r.logger.Error("Error saving shares", "templateID", templateID, "error", err)
		return false, apperr.Classify(op, templateID, err)
	}
	r.logger.Info("Revoked access", "templateID", templateID, "grantees", grantees, "removed", len(grants)-len(kept))
	return true, nil
}

// ListGrants returns every grant on a template.
func (r *Registry) ListGrants(ctx context.Context, templateID string) ([]model.ShareGrant, error) {
	const op = "sharing.ListGrants"
	if _, err := r.store.LoadTemplate(ctx, templateID); err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}
	grants, err := r.store.LoadShares(ctx, templateID)
	if err != nil {
		return nil, apperr.Classify(op, templateID, err)
	}
	return grants, nil
}

// ListForGrantee returns the templates shared with granteeID, each with the
// grantee's permissions, oldest grant first.
func (r *Registry) ListForGrantee(ctx context.Context, granteeID string) ([]model.SharedTemplate, error) {
	const op = "sharing.ListForGrantee"
	if strings.TrimSpace(granteeID) == "" {
		return nil, apperr.Validation(op, "", "grantee id is required")
	}

	grants, err := r.store.ListSharesForGrantee(ctx, granteeID)
	if err != nil {
		return nil, apperr.Classify(op, "", err)
	}

	shared := make([]model.SharedTemplate, 0, len(grants))
	for _, g := range grants {
		tmpl, err := r.store.LoadTemplate(ctx, g.TemplateID)
		if err != nil {
			// Deleted between the two reads
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, apperr.Classify(op, g.TemplateID, err)
		}
		shared = append(shared, model.SharedTemplate{Template: *tmpl, Permissions: g.Permissions, GrantedAt: g.GrantedAt})
	}

	sort.SliceStable(shared, func(i, j int) bool {
		a, b := shared[i], shared[j]
		if !a.GrantedAt.Equal(b.GrantedAt) {
			return a.GrantedAt.Before(b.GrantedAt)
		}
		return a.Template.ID < b.Template.ID
	})
	return shared, nil
}

// Permissions returns the grantee's grant on a template; ok is false when
// there is none.
func (r *Registry) Permissions(ctx context.Context, templateID, granteeID string) (model.Permissions, bool, error) {
	grants, err := r.store.LoadShares(ctx, templateID)
	if err != nil {
		return model.Permissions{}, false, apperr.Classify("sharing.Permissions", templateID, err)
	}
	for _, g := range grants {
		if g.GranteeID == granteeID {
			return g.Permissions, true, nil
		}
	}
	return model.Permissions{}, false, nil
}

// Effective resolves what subject may do with tmpl: owners hold every
// right, everyone else holds their grant (or nothing).
func (r *Registry) Effective(ctx context.Context, tmpl *model.Template, subject string) (model.Permissions, error) {
	if subject != "" && tmpl.OwnerID == subject {
		return model.AllPermissions(), nil
	}
	perms, _, err := r.Permissions(ctx, tmpl.ID, subject)
	return perms, err
}
