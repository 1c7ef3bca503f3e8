// Package extractor derives template fields from tabular header rows.
package extractor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"template-ledger/internal/model"
)

// KnownTypes are the data types recognised in an optional second row.
var KnownTypes = map[string]bool{
	"string":  true,
	"text":    true,
	"number":  true,
	"integer": true,
	"decimal": true,
	"date":    true,
	"boolean": true,
	"email":   true,
}

// ErrNoHeader is returned for empty input.
var ErrNoHeader = errors.New("input has no header row")

// CSVExtractor reads the first row of a CSV document as field names. A name
// ending in "*" marks the field required. When every non-empty cell of the
// second row is a known type, that row supplies data types.
type CSVExtractor struct {
	Comma  rune // defaults to ','
	policy *bluemonday.Policy
}

func NewCSVExtractor() *CSVExtractor {
	return &CSVExtractor{Comma: ',', policy: bluemonday.StrictPolicy()}
}

func (x *CSVExtractor) Extract(r io.Reader) ([]model.Field, error) {
	reader := csv.NewReader(r)
	if x.Comma != 0 {
		reader.Comma = x.Comma
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("reading header row: %w", err)
	}

	types, err := reader.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading type row: %w", err)
	}
	if !isTypeRow(types) {
		types = nil
	}

	policy := x.policy
	if policy == nil {
		policy = bluemonday.StrictPolicy()
	}

	fields := make([]model.Field, 0, len(header))
	seen := make(map[string]bool, len(header))
	for i, cell := range header {
		name := strings.TrimSpace(html.UnescapeString(policy.Sanitize(cell)))
		required := strings.HasSuffix(name, "*")
		name = strings.TrimSpace(strings.TrimSuffix(name, "*"))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		dataType := "string"
		if i < len(types) && strings.TrimSpace(types[i]) != "" {
			dataType = strings.ToLower(strings.TrimSpace(types[i]))
		}
		fields = append(fields, model.Field{Name: name, DataType: dataType, Required: required})
	}
	if len(fields) == 0 {
		return nil, ErrNoHeader
	}
	return fields, nil
}

func isTypeRow(row []string) bool {
	found := false
	for _, cell := range row {
		cell = strings.ToLower(strings.TrimSpace(cell))
		if cell == "" {
			continue
		}
		if !KnownTypes[cell] {
			return false
		}
		found = true
	}
	return found
}
