// Package classifier assigns categories to records and folds them into error groups.
package classifier

import (
	"log/slog"
	"sort"

	"github.com/spf13/cast"

	"github.com/miradorstack/mirador-logrca/internal/models"
	"github.com/miradorstack/mirador-logrca/internal/normalizer"
)

// Classifier evaluates ordered rules; the first match wins.
type Classifier struct {
	rules  []compiledRule
	logger *slog.Logger
}

// New compiles rules in the given order. A nil or empty list uses DefaultRules.
func New(rules []Rule, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Classifier{rules: compiled, logger: logger}, nil
}

// Classify returns the category of the first matching rule, or Unknown.
func (c *Classifier) Classify(record models.LogRecord) models.Category {
	for _, rule := range c.rules {
		if rule.matches(ruleTexts(record, rule.fields)) {
			return rule.category
		}
	}
	return models.CategoryUnknown
}

func ruleTexts(record models.LogRecord, fields []string) []string {
	texts := make([]string, 0, len(fields)+1)
	texts = append(texts, record.Message)
	for _, field := range fields {
		v, ok := normalizer.Lookup(record.RawFields, field)
		if !ok {
			continue
		}
		if s, err := cast.ToStringE(v); err == nil {
			texts = append(texts, s)
		}
	}
	return texts
}

// Group folds records into error groups keyed by category, signature and service.
// Members keep their input order; groups are returned sorted by firstSeen then key,
// so the result does not depend on input order.
func (c *Classifier) Group(records []models.LogRecord) []models.ErrorGroup {
	if len(records) == 0 {
		return nil
	}

	index := make(map[string]int)
	groups := make([]models.ErrorGroup, 0)
	codes := make([]map[string]struct{}, 0)

	for _, rec := range records {
		category := c.Classify(rec)
		signature := Signature(rec.Message)
		key := GroupKey(category, signature, rec.Service)

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, models.ErrorGroup{
				GroupKey:  key,
				Category:  category,
				Service:   rec.Service,
				Signature: signature,
				FirstSeen: rec.Timestamp,
				LastSeen:  rec.Timestamp,
			})
			codes = append(codes, make(map[string]struct{}))
		}

		g := &groups[i]
		g.Members = append(g.Members, rec)
		g.Count = len(g.Members)
		if rec.Timestamp.Before(g.FirstSeen) {
			g.FirstSeen = rec.Timestamp
		}
		if rec.Timestamp.After(g.LastSeen) {
			g.LastSeen = rec.Timestamp
		}
		for _, code := range ExtractKeyInfo(rec.Message).ErrorCodes {
			codes[i][code] = struct{}{}
		}
	}

	for i := range groups {
		for code := range codes[i] {
			groups[i].ErrorCodes = append(groups[i].ErrorCodes, code)
		}
		sort.Strings(groups[i].ErrorCodes)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].FirstSeen.Equal(groups[j].FirstSeen) {
			return groups[i].FirstSeen.Before(groups[j].FirstSeen)
		}
		return groups[i].GroupKey < groups[j].GroupKey
	})

	c.logger.Debug("records grouped", slog.Int("records", len(records)), slog.Int("groups", len(groups)))
	return groups
}

// Members flattens groups back into a record slice in group order.
func Members(groups []models.ErrorGroup) []models.LogRecord {
	out := make([]models.LogRecord, 0)
	for _, g := range groups {
		out = append(out, g.Members...)
	}
	return out
}
