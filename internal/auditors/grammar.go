package auditors

import (
	"context"
	"fmt"
	"strings"

	"github.com/Lllllllleong/documentauditflow/internal/models"
)

const (
	defaultBatchChars  = 20000
	defaultMaxFindings = 50
)

type grammarParams struct {
	Language     string   `yaml:"language"`
	BatchChars   int      `yaml:"batch_chars"`
	MaxFindings  int      `yaml:"max_findings"`
	IgnoreRules  []string `yaml:"ignore_rules"`
	IgnoreTokens []string `yaml:"ignore_tokens"`
}

// Grammar delegates to an external checking service in batches.
type Grammar struct {
	Checker GrammarChecker
}

func (Grammar) ID() string       { return IDGrammar }
func (Grammar) Category() string { return "grammar" }

func (g Grammar) Audit(ctx context.Context, in Input) ([]models.Finding, error) {
	if g.Checker == nil {
		return nil, ErrNotApplicable
	}
	var p grammarParams
	if err := in.Params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Language == "" {
		p.Language = "en-US"
	}
	if p.BatchChars <= 0 {
		p.BatchChars = defaultBatchChars
	}
	if p.MaxFindings <= 0 {
		p.MaxFindings = defaultMaxFindings
	}
	ignoreRule := make(map[string]bool, len(p.IgnoreRules))
	for _, r := range p.IgnoreRules {
		ignoreRule[r] = true
	}
	ignoreToken := make(map[string]bool, len(p.IgnoreTokens))
	for _, t := range p.IgnoreTokens {
		ignoreToken[strings.ToLower(t)] = true
	}

	var findings []models.Finding
	for _, b := range batches(in.Text, p.BatchChars) {
		issues, err := g.Checker.Check(ctx, b.text, p.Language)
		if err != nil {
			return nil, fmt.Errorf("grammar check of batch at %d failed: %w", b.offset, err)
		}
		batchRunes := []rune(b.text)
		for _, is := range issues {
			if ignoreRule[is.RuleID] {
				continue
			}
			end := min(is.Offset+is.Length, len(batchRunes))
			token := ""
			if is.Offset >= 0 && is.Offset < end {
				token = string(batchRunes[is.Offset:end])
			}
			if ignoreToken[strings.ToLower(token)] {
				continue
			}
			severity := models.SeverityInfo
			if is.Category == "TYPOS" {
				severity = models.SeverityWarning
			}
			loc := locate(in.Text, b.offset+is.Offset)
			loc.FragmentID = fragmentAt(in.Fragments, loc)
			f := models.Finding{
				AuditorID: g.ID(),
				Severity:  severity,
				Category:  g.Category(),
				RuleID:    is.RuleID,
				Location:  loc,
				Message:   is.Message,
			}
			if token != "" {
				f.Message = fmt.Sprintf("%s (%q)", is.Message, truncate(token, 40))
			}
			if len(is.Replacements) > 0 {
				f.Suggestion = "Replace with " + strings.Join(is.Replacements[:min(3, len(is.Replacements))], " / ")
			}
			findings = append(findings, f)
			if len(findings) >= p.MaxFindings {
				return findings, nil
			}
		}
	}
	return findings, nil
}

type batch struct {
	text   string
	offset int // rune offset in the full text
}

// batches splits text into chunks of at most limit runes, cutting at
// paragraph or page breaks where possible.
func batches(text string, limit int) []batch {
	var out []batch
	runes := []rune(text)
	start := 0
	for start < len(runes) {
		end := min(start+limit, len(runes))
		if end < len(runes) {
			cut := lastBreak(runes[start:end])
			if cut > 0 {
				end = start + cut
			}
		}
		chunk := string(runes[start:end])
		if strings.TrimSpace(chunk) != "" {
			out = append(out, batch{text: chunk, offset: start})
		}
		start = end
	}
	return out
}

func lastBreak(rs []rune) int {
	for i := len(rs) - 1; i > 0; i-- {
		if rs[i] == '\f' || (rs[i] == '\n' && rs[i-1] == '\n') {
			return i + 1
		}
	}
	for i := len(rs) - 1; i > 0; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	return 0
}
