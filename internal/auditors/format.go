package auditors

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/araddon/dateparse"
)

type formatRule struct {
	ID       string `yaml:"id"`
	Find     string `yaml:"find"`
	Expect   string `yaml:"expect"`
	Severity string `yaml:"severity"`
	Message  string `yaml:"message"`
	Required bool   `yaml:"required"`
	MinCount int    `yaml:"min_count"`
}

type formatParams struct {
	Rules []formatRule `yaml:"rules"`
}

// Format checks structured fields. Each rule finds candidates with one
// pattern and requires every candidate to satisfy expect, which is either a
// regular expression, "date" for any recognisable date, or "date:<layout>".
type Format struct{}

func (Format) ID() string       { return IDFormat }
func (Format) Category() string { return "format" }

func (f Format) Audit(ctx context.Context, in Input) ([]models.Finding, error) {
	var p formatParams
	if err := in.Params.Decode(&p); err != nil {
		return nil, err
	}

	var findings []models.Finding
	for _, rule := range p.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		find, err := regexp.Compile(rule.Find)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid find pattern: %w", rule.ID, err)
		}
		check, err := expectation(rule.Expect)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		severity := models.SeverityWarning
		if rule.Severity != "" {
			severity = models.ParseSeverity(rule.Severity)
		}

		matches := find.FindAllStringIndex(in.Text, -1)
		for _, m := range matches {
			value := in.Text[m[0]:m[1]]
			if check(value) {
				continue
			}
			loc := locate(in.Text, runeIndex(in.Text, m[0]))
			loc.FragmentID = fragmentAt(in.Fragments, loc)
			msg := rule.Message
			if msg == "" {
				msg = "Value does not match the expected format."
			}
			findings = append(findings, models.Finding{
				AuditorID:  f.ID(),
				Severity:   severity,
				Category:   f.Category(),
				RuleID:     rule.ID,
				Location:   loc,
				Message:    fmt.Sprintf("%s Found %q.", msg, truncate(value, 60)),
				Suggestion: suggestionFor(rule.Expect),
			})
		}

		minCount := rule.MinCount
		if minCount <= 0 {
			minCount = 1
		}
		if rule.Required && len(matches) < minCount {
			findings = append(findings, models.Finding{
				AuditorID: f.ID(),
				Severity:  severity,
				Category:  f.Category(),
				RuleID:    rule.ID,
				Message:   fmt.Sprintf("Expected at least %d occurrence(s) of %s, found %d.", minCount, rule.ID, len(matches)),
			})
		}
	}
	return findings, nil
}

func expectation(expect string) (func(string) bool, error) {
	switch {
	case expect == "":
		return func(string) bool { return true }, nil
	case expect == "date":
		return func(v string) bool {
			_, err := dateparse.ParseStrict(strings.TrimSpace(v))
			return err == nil
		}, nil
	case strings.HasPrefix(expect, "date:"):
		layout := strings.TrimPrefix(expect, "date:")
		return func(v string) bool {
			_, err := time.Parse(layout, strings.TrimSpace(v))
			return err == nil
		}, nil
	default:
		re, err := regexp.Compile(expect)
		if err != nil {
			return nil, fmt.Errorf("invalid expect pattern: %w", err)
		}
		return func(v string) bool {
			loc := re.FindStringIndex(v)
			return loc != nil && loc[0] == 0 && loc[1] == len(v)
		}, nil
	}
}

func suggestionFor(expect string) string {
	switch {
	case expect == "date":
		return "Use an unambiguous date."
	case strings.HasPrefix(expect, "date:"):
		return "Write dates as " + strings.TrimPrefix(expect, "date:") + "."
	case expect == "":
		return ""
	default:
		return "Expected format: " + expect
	}
}
