package classifier

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

// Rule is one ordered matcher. A rule matches when any keyword (case-insensitive substring)
// or any regular expression matches the message or one of the listed structured fields.
type Rule struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"`
	Fields   []string `yaml:"fields"`
}

// RuleFile is the YAML root structure for classifier rule packs.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	name     string
	category models.Category
	keywords []string
	patterns []*regexp.Regexp
	fields   []string
}

// LoadRules reads an ordered rule list from path. An empty path or a missing file yields
// DefaultRules.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultRules(), nil
		}
		return nil, fmt.Errorf("read classifier rules: %w", err)
	}
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse classifier rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("classifier rules %s: no rules defined", path)
	}
	return file.Rules, nil
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		category, ok := models.ParseCategory(rule.Category)
		if !ok {
			return nil, fmt.Errorf("rule %d (%s): unknown category %q", i, rule.Name, rule.Category)
		}
		cr := compiledRule{name: rule.Name, category: category, fields: rule.Fields}
		for _, kw := range rule.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				cr.keywords = append(cr.keywords, kw)
			}
		}
		for _, expr := range rule.Patterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		if len(cr.keywords) == 0 && len(cr.patterns) == 0 {
			return nil, fmt.Errorf("rule %d (%s): needs keywords or patterns", i, rule.Name)
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

func (r compiledRule) matches(texts []string) bool {
	for _, text := range texts {
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		for _, re := range r.patterns {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

var errorFields = []string{"error.type", "error.message"}

// DefaultRules returns the built-in rule order: security, infrastructure, performance,
// then application errors.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "security",
			Category: string(models.CategorySecurity),
			Keywords: []string{
				"authentication failed", "authorization denied", "access denied", "permission denied",
				"invalid token", "expired token", "unauthorized", "forbidden", "csrf", "xss",
				"sql injection", "invalid credentials",
			},
			Patterns: []string{`\bHTTP (401|403)\b`},
			Fields:   errorFields,
		},
		{
			Name:     "infrastructure",
			Category: string(models.CategoryInfrastructure),
			Keywords: []string{
				"connection refused", "connection timeout", "connection reset", "network unreachable",
				"host not found", "dns resolution failed", "disk full", "no space left", "out of memory",
				"resource exhausted", "service unavailable", "database connection", "redis connection",
				"kafka connection",
			},
			Patterns: []string{`\bHTTP (502|503)\b`},
			Fields:   errorFields,
		},
		{
			Name:     "performance",
			Category: string(models.CategoryPerformance),
			Keywords: []string{
				"timeout", "timed out", "slow query", "high latency", "response time exceeded",
				"thread pool exhausted", "queue full", "rate limit exceeded", "throttling", "circuit breaker",
			},
			Patterns: []string{`\bHTTP (429|504)\b`},
			Fields:   errorFields,
		},
		{
			Name:     "application",
			Category: string(models.CategoryApplication),
			Keywords: []string{
				"exception", "nullpointerexception", "indexoutofbounds", "illegalargument", "runtime error",
				"syntax error", "type error", "value error", "attribute error", "import error",
				"assertion error", "panic:", "traceback", "stack overflow",
			},
			Patterns: []string{`\b\w+(Exception|Error)\b`},
			Fields:   errorFields,
		},
	}
}
