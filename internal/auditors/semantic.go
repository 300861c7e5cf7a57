package auditors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Lllllllleong/documentauditflow/internal/llm"
	"github.com/Lllllllleong/documentauditflow/internal/models"
)

const semanticInstruction = `Read the document below and list every pair of statements that contradict each other, such as two different dates for the same event, a claim and its negation, or a promise that a later clause withdraws.
Respond with JSON of the form {"contradictions":[{"claim_a":"<exact quote>","claim_b":"<exact quote>","explanation":"<one sentence>","severity":"CRITICAL|WARNING|INFO"}]}.
Quote claims exactly as written. Return {"contradictions":[]} when there are none.`

type semanticParams struct {
	MaxChars      int    `yaml:"max_chars"`
	MaxFindings   int    `yaml:"max_findings"`
	MinSeverity   string `yaml:"min_severity"`
	ExtraGuidance string `yaml:"guidance"`
}

type judgement struct {
	Contradictions []struct {
		ClaimA      string `json:"claim_a"`
		ClaimB      string `json:"claim_b"`
		Explanation string `json:"explanation"`
		Severity    string `json:"severity"`
	} `json:"contradictions"`
}

// Semantic asks a language model for claims that contradict each other.
type Semantic struct {
	Judge llm.Judge
}

func (Semantic) ID() string       { return IDSemantic }
func (Semantic) Category() string { return "consistency" }

func (s Semantic) Audit(ctx context.Context, in Input) ([]models.Finding, error) {
	if s.Judge == nil {
		return nil, ErrNotApplicable
	}
	var p semanticParams
	if err := in.Params.Decode(&p); err != nil {
		return nil, err
	}
	if p.MaxChars <= 0 {
		p.MaxChars = 12000
	}
	if p.MaxFindings <= 0 {
		p.MaxFindings = 10
	}
	floor := models.SeverityInfo
	if p.MinSeverity != "" {
		floor = models.ParseSeverity(p.MinSeverity)
	}

	text := in.Text
	if r := []rune(text); len(r) > p.MaxChars {
		text = string(r[:p.MaxChars])
	}
	instruction := semanticInstruction
	if p.ExtraGuidance != "" {
		instruction += "\n" + p.ExtraGuidance
	}

	raw, err := s.Judge.JudgeJSON(ctx, instruction, text)
	if err != nil {
		return nil, fmt.Errorf("consistency judge failed: %w", err)
	}
	var j judgement
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &j); err != nil {
		return nil, fmt.Errorf("failed to parse judge response: %w", err)
	}

	var findings []models.Finding
	for _, c := range j.Contradictions {
		if strings.TrimSpace(c.ClaimA) == "" || strings.TrimSpace(c.ClaimB) == "" {
			continue
		}
		severity := models.ParseSeverity(c.Severity)
		if severity.Rank() < floor.Rank() {
			continue
		}
		loc := models.Location{}
		if i := strings.Index(in.Text, strings.TrimSpace(c.ClaimA)); i >= 0 {
			loc = locate(in.Text, runeIndex(in.Text, i))
			loc.FragmentID = fragmentAt(in.Fragments, loc)
		}
		msg := fmt.Sprintf("%q contradicts %q.", truncate(c.ClaimA, 120), truncate(c.ClaimB, 120))
		if c.Explanation != "" {
			msg += " " + c.Explanation
		}
		findings = append(findings, models.Finding{
			AuditorID:  s.ID(),
			Severity:   severity,
			Category:   s.Category(),
			RuleID:     "contradiction",
			Location:   loc,
			Message:    msg,
			Suggestion: "Reconcile the two statements.",
		})
		if len(findings) >= p.MaxFindings {
			break
		}
	}
	return findings, nil
}
