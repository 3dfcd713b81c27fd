package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-logrca/internal/models"
)

// SolutionRules maps candidates to canned remediation when the AI path is unavailable.
// Rules are evaluated in order; the first match wins and the table always ends with a
// catch-all entry.
type SolutionRules struct {
	rules  []SolutionRule
	logger *slog.Logger
}

// SolutionRule is one entry of the remediation table.
type SolutionRule struct {
	ID            string            `yaml:"id"`
	Match         SolutionRuleMatch `yaml:"match"`
	Steps         []string          `yaml:"steps"`
	Preventive    []string          `yaml:"preventive"`
	Verification  []string          `yaml:"verification"`
	Risks         []string          `yaml:"risks"`
	EstimatedTime string            `yaml:"estimatedTime"`
}

// SolutionRuleMatch narrows a rule by category and description/evidence keywords.
type SolutionRuleMatch struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// SolutionRuleFile is the YAML root structure.
type SolutionRuleFile struct {
	Solutions []SolutionRule `yaml:"solutions"`
}

// NewSolutionRules loads the table from path. An empty path or missing file yields the
// built-in table.
func NewSolutionRules(path string, logger *slog.Logger) (*SolutionRules, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := DefaultSolutionRules()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("solution rules not found, using defaults", slog.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("read solution rules: %w", err)
		default:
			var file SolutionRuleFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("parse solution rules: %w", err)
			}
			for i, r := range file.Solutions {
				if r.Match.Category != "" {
					if _, ok := models.ParseCategory(r.Match.Category); !ok {
						return nil, fmt.Errorf("solution rule %d (%s): unknown category %q", i, r.ID, r.Match.Category)
					}
				}
				if len(r.Steps) == 0 {
					return nil, fmt.Errorf("solution rule %d (%s): no steps", i, r.ID)
				}
			}
			rules = file.Solutions
		}
	}
	if !hasCatchAll(rules) {
		rules = append(rules, genericSolution())
	}
	return &SolutionRules{rules: rules, logger: logger}, nil
}

// Lookup returns the first rule matching the candidate.
func (r *SolutionRules) Lookup(candidate models.RootCauseCandidate) SolutionRule {
	if r == nil {
		return genericSolution()
	}
	text := strings.ToLower(candidate.Description + "\n" + strings.Join(candidate.Evidence, "\n"))
	for _, rule := range r.rules {
		if rule.Match.Category != "" && !strings.EqualFold(rule.Match.Category, string(candidate.Category)) {
			continue
		}
		if len(rule.Match.Keywords) > 0 && !containsAny(text, rule.Match.Keywords) {
			continue
		}
		return rule
	}
	return genericSolution()
}

func hasCatchAll(rules []SolutionRule) bool {
	for _, r := range rules {
		if r.Match.Category == "" && len(r.Match.Keywords) == 0 {
			return true
		}
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// DefaultSolutionRules is the built-in remediation table.
func DefaultSolutionRules() []SolutionRule {
	return []SolutionRule{
		{
			ID:    "database-connectivity",
			Match: SolutionRuleMatch{Category: string(models.CategoryInfrastructure), Keywords: []string{"database", "sql", "postgres", "mysql", "pool"}},
			Steps: []string{
				"Check database server status and connectivity",
				"Verify connection pool configuration and current usage",
				"Review database server logs for errors around the first occurrence",
				"Restart affected application instances if pools are exhausted",
			},
			Preventive: []string{
				"Implement connection pool monitoring and alerting",
				"Add circuit breaker patterns for database calls",
				"Configure proper connection timeouts and retry logic",
				"Set up database health checks",
			},
			Verification:  []string{"Monitor connection success rates", "Check application response times", "Verify error rates have decreased"},
			Risks:         []string{"Service restart may cause temporary unavailability"},
			EstimatedTime: "30-60 minutes",
		},
		{
			ID:    "infrastructure",
			Match: SolutionRuleMatch{Category: string(models.CategoryInfrastructure)},
			Steps: []string{
				"Verify network reachability and DNS resolution between the affected services",
				"Check host resources (disk, memory, file descriptors) on the failing nodes",
				"Confirm dependent services are up and accepting connections",
				"Fail over or scale out the unhealthy component",
			},
			Preventive: []string{
				"Add resource utilisation alerts with headroom thresholds",
				"Introduce retries with backoff for transient network failures",
				"Document and test failover procedures",
			},
			Verification:  []string{"Connection errors stop appearing in logs", "Resource utilisation back within limits"},
			Risks:         []string{"Failover may briefly drop in-flight requests"},
			EstimatedTime: "30-90 minutes",
		},
		{
			ID:    "security",
			Match: SolutionRuleMatch{Category: string(models.CategorySecurity)},
			Steps: []string{
				"Review authentication service logs for the failing principals",
				"Check token expiration and rotation policies",
				"Verify user permissions and role assignments",
				"Block suspicious source addresses if the pattern indicates abuse",
			},
			Preventive: []string{
				"Implement token refresh mechanisms",
				"Add authentication failure monitoring",
				"Regular security audits and permission reviews",
				"Implement rate limiting on authentication endpoints",
			},
			Verification:  []string{"Test authentication flows", "Verify user access is restored", "Monitor authentication success rates"},
			Risks:         []string{"Permission changes may affect other users"},
			EstimatedTime: "15-45 minutes",
		},
		{
			ID:    "performance",
			Match: SolutionRuleMatch{Category: string(models.CategoryPerformance)},
			Steps: []string{
				"Check system resource utilisation (CPU, memory, disk)",
				"Review application performance metrics and slow queries",
				"Scale resources or instances if utilisation is saturated",
				"Optimise or cache the slowest operations",
			},
			Preventive: []string{
				"Implement auto-scaling policies",
				"Add performance monitoring and alerting",
				"Regular load testing",
				"Review timeout and rate limit settings against observed latency",
			},
			Verification:  []string{"Monitor response times", "Check resource utilisation", "Verify throughput improvements"},
			Risks:         []string{"Scaling may increase costs", "Resource changes may cause brief disruption"},
			EstimatedTime: "30-120 minutes",
		},
		{
			ID:    "application",
			Match: SolutionRuleMatch{Category: string(models.CategoryApplication)},
			Steps: []string{
				"Inspect the stack trace of the earliest occurrence",
				"Correlate the first occurrence with recent deployments or configuration changes",
				"Roll back the offending release if the error started after a deployment",
				"Add input validation or null checks around the failing code path",
			},
			Preventive: []string{
				"Add regression tests covering the failing input",
				"Enable canary deployments with automated rollback",
				"Improve error handling and logging in the affected module",
			},
			Verification:  []string{"Error no longer appears after the fix is deployed", "Regression tests pass"},
			Risks:         []string{"Rollback may revert unrelated changes"},
			EstimatedTime: "1-4 hours",
		},
		genericSolution(),
	}
}

func genericSolution() SolutionRule {
	return SolutionRule{
		ID: "generic",
		Steps: []string{
			"Review detailed error logs and stack traces",
			"Check recent deployments and configuration changes",
			"Monitor system resources and dependencies",
			"Escalate to the owning team if the issue persists",
		},
		Preventive: []string{
			"Improve monitoring and alerting coverage",
			"Implement comprehensive logging",
			"Regular system health checks",
		},
		Verification:  []string{"Monitor error rates", "Check system stability"},
		Risks:         []string{"Investigation may take longer without a specific root cause"},
		EstimatedTime: "1-4 hours",
	}
}

// Best-practice thresholds over a run's error groups.
const (
	bestPracticeErrorThreshold   = 100
	bestPracticeServiceThreshold = 3
)

var generalBestPractices = []string{
	"Implement comprehensive logging with correlation IDs for request tracing",
	"Regularly review and update monitoring and alerting thresholds",
	"Conduct post-incident reviews to improve system resilience",
	"Maintain up-to-date runbooks for common failure scenarios",
}

// BestPractices returns run-wide operational advice derived from the groups. A run without
// groups gets none.
func BestPractices(groups []models.ErrorGroup) []string {
	if len(groups) == 0 {
		return nil
	}
	total := 0
	services := map[string]struct{}{}
	critical := false
	for _, g := range groups {
		total += g.Count
		services[g.Service] = struct{}{}
		if g.Severity() == models.SeverityCritical {
			critical = true
		}
	}

	var practices []string
	if total > bestPracticeErrorThreshold {
		practices = append(practices, "Implement rate limiting and circuit breakers to prevent error cascades")
	}
	if len(services) > bestPracticeServiceThreshold {
		practices = append(practices, "Review service dependencies and implement better isolation between services")
	}
	if critical {
		practices = append(practices, "Set up dedicated alerting for critical errors with immediate escalation")
	}
	return append(practices, generalBestPractices...)
}
