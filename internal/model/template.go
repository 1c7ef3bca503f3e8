package model

import "time"

// Field is a single expected field of a template, in display order.
type Field struct {
	Name     string `json:"name" yaml:"name"`
	DataType string `json:"dataType" yaml:"dataType"` // e.g. "string", "number", "date"
	Required bool   `json:"required" yaml:"required"`
}

// Template is a named structural definition of the fields a document expects.
// Snapshots of it are embedded in every VersionEntry.
type Template struct {
	ID              string         `json:"id" yaml:"id"` // UUIDv7, assigned at creation
	Name            string         `json:"name" yaml:"name"`
	Description     string         `json:"description" yaml:"description"`
	OwnerID         string         `json:"ownerId,omitempty" yaml:"ownerId,omitempty"` // Identity that created the template, empty when anonymous
	CreatedAt       time.Time      `json:"createdAt" yaml:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt" yaml:"updatedAt"`
	Fields          []Field        `json:"fields" yaml:"fields"`
	ValidationRules map[string]any `json:"validationRules" yaml:"validationRules"` // Opaque, interpreted by external collaborators
}

// FieldNames returns the template's field names in display order.
func (t *Template) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		names = append(names, f.Name)
	}
	return names
}

// FieldIndex returns the position of the named field, or -1.
func (t *Template) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy. Rule payloads are copied through CloneValue so
// a snapshot never aliases the live record.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.Fields = append([]Field(nil), t.Fields...)
	if c.Fields == nil {
		c.Fields = []Field{}
	}
	c.ValidationRules = CloneMap(t.ValidationRules)
	return &c
}

// VersionEntry is an immutable record of a template's state at one point in time.
type VersionEntry struct {
	VersionID  string         `json:"versionId" yaml:"versionId"` // UUIDv7, time ordered
	TemplateID string         `json:"templateId" yaml:"templateId"`
	Changes    map[string]any `json:"changes" yaml:"changes"`
	Note       string         `json:"note,omitempty" yaml:"note,omitempty"`
	CreatedAt  time.Time      `json:"createdAt" yaml:"createdAt"`
	Snapshot   Template       `json:"snapshot" yaml:"snapshot"`
}

// Permissions are the rights a grantee holds on a template.
type Permissions struct {
	Read   bool `json:"read" yaml:"read"`
	Edit   bool `json:"edit" yaml:"edit"`
	Delete bool `json:"delete" yaml:"delete"`
}

// ReadOnly is the permission set applied when a grant omits permissions.
func ReadOnly() Permissions {
	return Permissions{Read: true}
}

// AllPermissions is what a template owner implicitly holds.
func AllPermissions() Permissions {
	return Permissions{Read: true, Edit: true, Delete: true}
}

// ShareGrant associates a grantee with permissions on one template.
type ShareGrant struct {
	TemplateID  string      `json:"templateId" yaml:"templateId"`
	GranteeID   string      `json:"granteeId" yaml:"granteeId"`
	Permissions Permissions `json:"permissions" yaml:"permissions"`
	GrantedAt   time.Time   `json:"grantedAt" yaml:"grantedAt"`
}

// ShareState is a template's full grant list after a grant operation.
type ShareState struct {
	TemplateID string       `json:"templateId"`
	Grants     []ShareGrant `json:"grants"`
}

// SharedTemplate is a template as seen by one grantee.
type SharedTemplate struct {
	Template    Template    `json:"template"`
	Permissions Permissions `json:"permissions"`
	GrantedAt   time.Time   `json:"grantedAt"`
}

// SuggestionResult is a derived, non-persisted ranking entry.
type SuggestionResult struct {
	TemplateID     string   `json:"templateId"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	MatchScore     float64  `json:"matchScore"`
	MatchingFields []string `json:"matchingFields"`
}

// SearchResult is a template matched by a free-text query.
type SearchResult struct {
	Template Template `json:"template"`
	Score    float64  `json:"score"`
}

// FieldState is the comparable part of a field inside a snapshot.
type FieldState struct {
	DataType string `json:"dataType"`
	Required bool   `json:"required"`
	Rule     any    `json:"rule,omitempty"`
}

// FieldChange describes a field present in both snapshots with different properties.
type FieldChange struct {
	Name   string     `json:"name"`
	Before FieldState `json:"before"`
	After  FieldState `json:"after"`
}

// DiffResult compares the field sets of two versions.
type DiffResult struct {
	TemplateID     string        `json:"templateId"`
	FromVersionID  string        `json:"fromVersionId"`
	ToVersionID    string        `json:"toVersionId"`
	FieldsAdded    []string      `json:"fieldsAdded"`
	FieldsRemoved  []string      `json:"fieldsRemoved"`
	FieldsModified []string      `json:"fieldsModified"`
	Modifications  []FieldChange `json:"modifications"`
}

// Empty reports whether the two versions have identical field sets.
func (d *DiffResult) Empty() bool {
	return len(d.FieldsAdded) == 0 && len(d.FieldsRemoved) == 0 && len(d.FieldsModified) == 0
}
