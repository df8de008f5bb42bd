package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/reliastack/incident-engine/internal/models"
)

// RuleEngine matches operator-authored rules against an incident and its
// hypotheses to produce mitigation recommendations. Recommendations are
// advisory only; acting on them is left to the operator.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule is a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields
// match everything.
type RuleMatch struct {
	Service       string   `yaml:"service"`
	Severity      string   `yaml:"severity"`
	TitleContains []string `yaml:"title_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. An empty or missing
// path falls back to the built-in rule set so the recommendation surface
// works without any operator configuration.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &RuleEngine{rules: builtinRules(), logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("rules file not found, using built-in rules", "path", path)
			return &RuleEngine{rules: builtinRules(), logger: logger}, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the deduplicated recommendations of every rule whose
// match clauses all hold for the incident and its hypotheses.
func (e *RuleEngine) Recommend(inc models.Incident, hyps []models.Hypothesis) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if rule.Match.Service != "" && !serviceMatches(rule.Match.Service, inc) {
			continue
		}
		if rule.Match.Severity != "" && !strings.EqualFold(rule.Match.Severity, string(inc.Severity)) {
			continue
		}
		if len(rule.Match.TitleContains) > 0 && !hypothesesContain(rule.Match.TitleContains, hyps) {
			continue
		}
		matched = appendUnique(matched, rule.Recommendations...)
	}
	e.logger.Debug("recommendation rules evaluated",
		"incident_id", inc.ID, "rules", len(e.rules), "matched", len(matched))
	return matched
}

func serviceMatches(service string, inc models.Incident) bool {
	for _, s := range inc.Services {
		if strings.EqualFold(service, s) {
			return true
		}
	}
	return false
}

func hypothesesContain(keywords []string, hyps []models.Hypothesis) bool {
	for _, hyp := range hyps {
		title := strings.ToLower(hyp.Title)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(title, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}

// builtinRules covers the common root-cause shapes. The keywords key off
// the kind names the correlator embeds in auto-generated hypothesis titles.
func builtinRules() []Rule {
	return []Rule{
		{
			ID:    "metric-anomaly-rollback",
			Match: RuleMatch{TitleContains: []string{string(models.SignalMetricAnomaly)}},
			Recommendations: []string{
				"Roll back the most recent deployment of the affected service",
				"Enable circuit breakers or shed non-critical load while error rates are elevated",
			},
		},
		{
			ID:    "log-pattern-restart",
			Match: RuleMatch{TitleContains: []string{string(models.SignalLogPattern)}},
			Recommendations: []string{
				"Restart the affected workload and watch whether the pattern recurs",
				"Inspect error logs around the detection window for the matched pattern",
			},
		},
		{
			ID:    "resource-exhaustion-scale",
			Match: RuleMatch{TitleContains: []string{string(models.SignalResourceExhaustion)}},
			Recommendations: []string{
				"Scale out the affected service to relieve saturation",
				"Raise resource limits for the affected workload and check for leaks",
			},
		},
		{
			ID:    "trace-anomaly-dependencies",
			Match: RuleMatch{TitleContains: []string{string(models.SignalTraceAnomaly)}},
			Recommendations: []string{
				"Check downstream dependencies for elevated latency",
				"Verify recent configuration changes on the affected call path",
			},
		},
		{
			ID:    "critical-escalation",
			Match: RuleMatch{Severity: string(models.SeverityCritical)},
			Recommendations: []string{
				"Page the owning team and open a coordination channel",
			},
		},
	}
}
