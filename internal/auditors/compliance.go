package auditors

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultClauseThreshold = 0.85
	nearMissMargin         = 0.15
	minWordOverlap         = 0.6
)

type clause struct {
	ID        string  `yaml:"id"`
	Text      string  `yaml:"text"`
	Severity  string  `yaml:"severity"`
	Threshold float64 `yaml:"threshold"`
}

type complianceParams struct {
	Clauses []clause `yaml:"clauses"`
}

// Compliance looks for required legal clauses, tolerating small wording
// and OCR differences through fuzzy matching.
type Compliance struct{}

func (Compliance) ID() string       { return IDCompliance }
func (Compliance) Category() string { return "compliance" }

func (c Compliance) Audit(ctx context.Context, in Input) ([]models.Finding, error) {
	var p complianceParams
	if err := in.Params.Decode(&p); err != nil {
		return nil, err
	}
	words := tokenize(in.Text)

	var findings []models.Finding
	for _, cl := range p.Clauses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := tokenize(cl.Text)
		if len(target) == 0 {
			continue
		}
		threshold := cl.Threshold
		if threshold <= 0 {
			threshold = defaultClauseThreshold
		}
		severity := models.SeverityCritical
		if cl.Severity != "" {
			severity = models.ParseSeverity(cl.Severity)
		}

		score, at := bestWindow(words, target)
		switch {
		case score >= threshold:
			continue
		case score >= threshold-nearMissMargin:
			loc := locate(in.Text, at)
			loc.FragmentID = fragmentAt(in.Fragments, loc)
			findings = append(findings, models.Finding{
				AuditorID:  c.ID(),
				Severity:   models.SeverityWarning,
				Category:   c.Category(),
				RuleID:     cl.ID,
				Location:   loc,
				Message:    fmt.Sprintf("Clause %q appears altered (similarity %.2f).", cl.ID, score),
				Suggestion: "Use the approved wording: " + cl.Text,
			})
		default:
			findings = append(findings, models.Finding{
				AuditorID:  c.ID(),
				Severity:   severity,
				Category:   c.Category(),
				RuleID:     cl.ID,
				Message:    fmt.Sprintf("Required clause %q was not found.", cl.ID),
				Suggestion: "Add the clause: " + cl.Text,
			})
		}
	}
	return findings, nil
}

type word struct {
	norm   string
	offset int // rune offset in the source text
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// tokenize splits text into accent-folded lowercase words, keeping the rune
// offset of each word so matches can be located.
func tokenize(text string) []word {
	var out []word
	start, i := -1, 0
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		folded, _, err := transform.String(foldAccents, cur.String())
		if err != nil {
			folded = cur.String()
		}
		out = append(out, word{norm: strings.ToLower(folded), offset: start})
		cur.Reset()
		start = -1
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) {
			if start < 0 {
				start = i
			}
			cur.WriteRune(r)
		} else {
			flush()
		}
		i++
	}
	flush()
	return out
}

// bestWindow slides windows of roughly the target's length over words and
// returns the best similarity and the rune offset where it starts.
func bestWindow(words, target []word) (float64, int) {
	targetText := joinWords(target)
	targetSet := make(map[string]struct{}, len(target))
	for _, w := range target {
		targetSet[w.norm] = struct{}{}
	}

	best, at := 0.0, 0
	for size := len(target) - 1; size <= len(target)+1; size++ {
		if size < 1 || size > len(words) {
			continue
		}
		for i := 0; i+size <= len(words); i++ {
			window := words[i : i+size]
			if overlap(window, targetSet) < minWordOverlap {
				continue
			}
			if s := similarity(joinWords(window), targetText); s > best {
				best, at = s, window[0].offset
			}
		}
	}
	return best, at
}

func overlap(window []word, set map[string]struct{}) float64 {
	seen := make(map[string]struct{}, len(window))
	for _, w := range window {
		if _, ok := set[w.norm]; ok {
			seen[w.norm] = struct{}{}
		}
	}
	return float64(len(seen)) / float64(len(set))
}

func joinWords(ws []word) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = w.norm
	}
	return strings.Join(parts, " ")
}

// similarity is 1 minus the normalised edit distance.
func similarity(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
