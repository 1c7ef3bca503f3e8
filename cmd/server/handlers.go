package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"template-ledger/internal/apperr"
	"template-ledger/internal/auth"
	"template-ledger/internal/model"
)

const maxBodyBytes = 1 << 20

var errForbidden = errors.New("forbidden")

// need is the right an operation requires on its template.
type need int

const (
	needRead need = iota
	needEdit
	needDelete
	needOwner
)

func (n need) String() string {
	switch n {
	case needEdit:
		return "edit"
	case needDelete:
		return "delete"
	case needOwner:
		return "owner"
	default:
		return "read"
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// --- Request / response payloads ---

type templateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type fieldRequest struct {
	Name     string `json:"name"`
	DataType string `json:"dataType"`
	Required bool   `json:"required"`
}

type ruleRequest struct {
	Rule any `json:"rule"`
}

type dataRequest struct {
	Data map[string]any `json:"data"`
}

type printRequest struct {
	Destination string         `json:"destination"`
	Data        map[string]any `json:"data"`
}

type versionRequest struct {
	Changes map[string]any `json:"changes"`
	Note    string         `json:"note"`
}

type grantRequest struct {
	GranteeIDs  []string           `json:"granteeIds"`
	Permissions *model.Permissions `json:"permissions"`
}

type importResponse struct {
	Template *model.Template `json:"template"`
	Added    []string        `json:"added"`
}

type restoreResponse struct {
	Backup   *model.VersionEntry `json:"backup"`
	Template *model.Template     `json:"template"`
}

// --- Helpers ---

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func (app *application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.Error("Error encoding response", "error", err)
	}
}

// writeError maps a service failure to its HTTP status.
func (app *application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, errForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, apperr.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, apperr.ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	}

	if status == http.StatusInternalServerError {
		app.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestID(r), "error", err)
	} else {
		app.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	app.writeJSON(w, status, errorBody{Error: code, Message: err.Error(), RequestID: requestID(r)})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("decode", "", "invalid JSON body: %v", err)
	}
	return nil
}

func (app *application) subject(r *http.Request) string {
	identity, _ := auth.IdentityFromContext(r.Context())
	return identity.Subject
}

// authorize checks the caller's effective rights on tmpl. Without an
// enforcing auth mode every call is allowed.
func (app *application) authorize(r *http.Request, tmpl *model.Template, n need) error {
	if !app.enforce {
		return nil
	}
	subject := app.subject(r)
	if n == needOwner {
		if subject != "" && tmpl.OwnerID == subject {
			return nil
		}
		return errForbidden
	}

	perms, err := app.svc.Shares.Effective(r.Context(), tmpl, subject)
	if err != nil {
		return err
	}
	allowed := perms.Read
	switch n {
	case needEdit:
		allowed = perms.Edit
	case needDelete:
		allowed = perms.Delete
	}
	if !allowed {
		app.logger.Info("Permission denied", "templateID", tmpl.ID, "subject", subject, "need", n.String())
		return errForbidden
	}
	return nil
}

// loadAuthorized resolves the {id} URL parameter and checks the caller's rights.
func (app *application) loadAuthorized(w http.ResponseWriter, r *http.Request, n need) (*model.Template, bool) {
	tmpl, err := app.svc.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		app.writeError(w, r, err)
		return nil, false
	}
	if err := app.authorize(r, tmpl, n); err != nil {
		app.writeError(w, r, err)
		return nil, false
	}
	return tmpl, true
}

// readable reports whether the caller may see tmpl in listings.
func (app *application) readable(r *http.Request, tmpl *model.Template) bool {
	return app.authorize(r, tmpl, needRead) == nil
}

// --- Handlers ---

func (app *application) healthHandler(w http.ResponseWriter, r *http.Request) {
	app.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (app *application) createTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	tmpl, err := app.svc.Templates.CreateOwned(r.Context(), app.subject(r), req.Name, req.Description)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusCreated, tmpl)
}

func (app *application) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := app.svc.Templates.List(r.Context())
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	visible := make([]*model.Template, 0, len(templates))
	for _, tmpl := range templates {
		if app.readable(r, tmpl) {
			visible = append(visible, tmpl)
		}
	}
	app.writeJSON(w, http.StatusOK, visible)
}

func (app *application) searchTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	results, err := app.svc.Templates.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	visible := make([]model.SearchResult, 0, len(results))
	for _, res := range results {
		if app.readable(r, &res.Template) {
			visible = append(visible, res)
		}
	}
	app.writeJSON(w, http.StatusOK, visible)
}

func (app *application) getTemplateHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needRead)
	if !ok {
		return
	}
	app.writeJSON(w, http.StatusOK, tmpl)
}

func (app *application) updateTemplateHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needEdit)
	if !ok {
		return
	}
	var req templateRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	updated, err := app.svc.Templates.Update(r.Context(), tmpl.ID, req.Name, req.Description)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, updated)
}

func (app *application) deleteTemplateHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needDelete)
	if !ok {
		return
	}
	existed, err := app.svc.Templates.Delete(r.Context(), tmpl.ID)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	if !existed {
		app.writeError(w, r, apperr.NotFound("templatemanager.Delete", tmpl.ID, "", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *application) addFieldHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needEdit)
	if !ok {
		return
	}
	var req fieldRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	updated, err := app.svc.Templates.AddField(r.Context(), tmpl.ID, req.Name, req.DataType, req.Required)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusCreated, updated)
}

func (app *application) removeFieldHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needEdit)
	if !ok {
		return
	}
	updated, err := app.svc.Templates.RemoveField(r.Context(), tmpl.ID, chi.URLParam(r, "name"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, updated)
}

func (app *application) setRuleHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needEdit)
	if !ok {
		return
	}
	var req ruleRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	updated, err := app.svc.Templates.SetValidationRule(r.Context(), tmpl.ID, chi.URLParam(r, "field"), req.Rule)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, updated)
}

func (app *application) importFieldsHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needEdit)
	if !ok {
		return
	}
	updated, added, err := app.svc.Templates.ImportFields(r.Context(), tmpl.ID, http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	if added == nil {
		added = []string{}
	}
	app.writeJSON(w, http.StatusOK, importResponse{Template: updated, Added: added})
}

func (app *application) previewHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needRead)
	if !ok {
		return
	}
	var req dataRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	doc, err := app.svc.Templates.Preview(r.Context(), tmpl.ID, req.Data)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (app *application) printHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needRead)
	if !ok {
		return
	}
	var req printRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	if err := app.svc.Templates.Print(r.Context(), tmpl.ID, req.Data, req.Destination); err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched", "destination": req.Destination})
}

func (app *application) createVersionHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needEdit)
	if !ok {
		return
	}
	var req versionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		app.writeError(w, r, err)
		return
	}
	entry, err := app.svc.Ledger.CreateVersion(r.Context(), tmpl.ID, req.Changes, req.Note)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusCreated, entry)
}

func (app *application) listVersionsHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needRead)
	if !ok {
		return
	}
	entries, err := app.svc.Ledger.ListVersions(r.Context(), tmpl.ID)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, entries)
}

func (app *application) getVersionHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needRead)
	if !ok {
		return
	}
	entry, err := app.svc.Ledger.GetVersion(r.Context(), tmpl.ID, chi.URLParam(r, "vid"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, entry)
}

func (app *application) restoreVersionHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needEdit)
	if !ok {
		return
	}
	backup, err := app.svc.Ledger.RestoreVersion(r.Context(), tmpl.ID, chi.URLParam(r, "vid"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	restored, err := app.svc.Templates.Get(r.Context(), tmpl.ID)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, restoreResponse{Backup: backup, Template: restored})
}

func (app *application) diffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needRead)
	if !ok {
		return
	}
	q := r.URL.Query()
	diff, err := app.svc.Ledger.DiffVersions(r.Context(), tmpl.ID, q.Get("from"), q.Get("to"))
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, diff)
}

func (app *application) listGrantsHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needOwner)
	if !ok {
		return
	}
	grants, err := app.svc.Shares.ListGrants(r.Context(), tmpl.ID)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, grants)
}

func (app *application) grantHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needOwner)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	state, err := app.svc.Shares.Grant(r.Context(), tmpl.ID, req.GranteeIDs, req.Permissions)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, state)
}

func (app *application) revokeHandler(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := app.loadAuthorized(w, r, needOwner)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	removed, err := app.svc.Shares.Revoke(r.Context(), tmpl.ID, req.GranteeIDs)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (app *application) sharedWithHandler(w http.ResponseWriter, r *http.Request) {
	grantee := chi.URLParam(r, "granteeID")
	if app.enforce && grantee != app.subject(r) {
		app.writeError(w, r, errForbidden)
		return
	}
	shared, err := app.svc.Shares.ListForGrantee(r.Context(), grantee)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	app.writeJSON(w, http.StatusOK, shared)
}

func (app *application) suggestHandler(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		app.writeError(w, r, err)
		return
	}
	results, err := app.svc.Suggest.Suggest(r.Context(), req.Data)
	if err != nil {
		app.writeError(w, r, err)
		return
	}
	if app.enforce {
		visible := results[:0]
		for _, res := range results {
			tmpl, err := app.svc.Templates.Get(r.Context(), res.TemplateID)
			if err == nil && app.readable(r, tmpl) {
				visible = append(visible, res)
			}
		}
		results = visible
	}
	app.writeJSON(w, http.StatusOK, results)
}
