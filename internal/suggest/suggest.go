// Package suggest ranks stored templates against an arbitrary data payload.
//
// A template's score is the share of its fields present by exact name in the
// payload, plus a flat bonus for every near-miss field-name pair, clamped to 1.
package suggest

import (
	"context"
	"io"
	"log/slog"
	"sort"

	"template-ledger/internal/apperr"
	"template-ledger/internal/model"
	"template-ledger/internal/similarity"
	"template-ledger/internal/storage"
)

const (
	// FuzzyThreshold is the similarity a non-identical name pair must exceed to earn a bonus.
	FuzzyThreshold = 0.8
	// FuzzyBonus is added once per qualifying pair.
	FuzzyBonus = 0.1
)

// Engine scores templates from a store.
type Engine struct {
	store  storage.DataStore
	logger *slog.Logger
}

func New(store storage.DataStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{store: store, logger: logger}
}

// Suggest returns every template scoring above zero, best first. Equal
// scores keep template creation order.
func (e *Engine) Suggest(ctx context.Context, data map[string]any) ([]model.SuggestionResult, error) {
	templates, err := e.store.ListTemplates(ctx)
	if err != nil {
		return nil, apperr.Classify("suggest.Suggest", "", err)
	}
	results := Rank(templates, data)
	e.logger.Debug("Scored templates", "templates", len(templates), "matches", len(results))
	return results, nil
}

// Rank scores templates against data without touching storage.
func Rank(templates []*model.Template, data map[string]any) []model.SuggestionResult {
	dataFields := LeafKeys(data)

	ordered := append([]*model.Template(nil), templates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	results := []model.SuggestionResult{}
	for _, tmpl := range ordered {
		score, matching := Score(tmpl.FieldNames(), dataFields)
		if score <= 0 {
			continue
		}
		results = append(results, model.SuggestionResult{
			TemplateID:     tmpl.ID,
			Name:           tmpl.Name,
			Description:    tmpl.Description,
			MatchScore:     score,
			MatchingFields: matching,
		})
	}

	// Stable: ties stay in creation order
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].MatchScore > results[j].MatchScore
	})
	return results
}

// Score computes the match score of a template's field names against the
// payload's leaf keys and returns the exactly matching names, sorted.
// A template without fields scores 0.
func Score(templateFields []string, dataFields map[string]struct{}) (float64, []string) {
	fields := make(map[string]struct{}, len(templateFields))
	for _, f := range templateFields {
		fields[f] = struct{}{}
	}
	if len(fields) == 0 {
		return 0, []string{}
	}

	matching := []string{}
	for f := range fields {
		if _, ok := dataFields[f]; ok {
			matching = append(matching, f)
		}
	}
	sort.Strings(matching)
	score := float64(len(matching)) / float64(len(fields))

	for tf := range fields {
		for df := range dataFields {
			if tf == df {
				continue
			}
			if similarity.Ratio(tf, df) > FuzzyThreshold {
				score += FuzzyBonus
			}
		}
	}

	return min(score, 1.0), matching
}

// LeafKeys flattens a nested payload into the set of its terminal keys. A key
// whose value is itself a mapping contributes its children, not itself.
func LeafKeys(data map[string]any) map[string]struct{} {
	keys := make(map[string]struct{})
	collectLeaves(data, keys)
	return keys
}

func collectLeaves(data map[string]any, keys map[string]struct{}) {
	for k, v := range data {
		if nested, ok := v.(map[string]any); ok {
			collectLeaves(nested, keys)
			continue
		}
		keys[k] = struct{}{}
	}
}
