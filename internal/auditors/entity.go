package auditors

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/agnivade/levenshtein"
)

type entityParams struct {
	Brands      []string `yaml:"brands"`
	MaxDistance int      `yaml:"max_distance"`
	Labels      []string `yaml:"labels"`
	Severity    string   `yaml:"severity"`
}

// Entity cross-checks named entities within a document: brand names spelt
// inconsistently, and labelled figures stated with different values.
type Entity struct{}

func (Entity) ID() string       { return IDEntity }
func (Entity) Category() string { return "consistency" }

func (e Entity) Audit(ctx context.Context, in Input) ([]models.Finding, error) {
	var p entityParams
	if err := in.Params.Decode(&p); err != nil {
		return nil, err
	}
	if p.MaxDistance <= 0 {
		p.MaxDistance = 2
	}
	severity := models.SeverityWarning
	if p.Severity != "" {
		severity = models.ParseSeverity(p.Severity)
	}

	words := tokenize(in.Text)
	var findings []models.Finding
	for _, brand := range p.Brands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		findings = append(findings, e.brandVariants(in, words, brand, p.MaxDistance, severity)...)
	}
	for _, label := range p.Labels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := e.labelValues(in, label, severity)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f...)
	}
	return findings, nil
}

func (e Entity) brandVariants(in Input, words []word, brand string, maxDist int, severity models.Severity) []models.Finding {
	target := tokenize(brand)
	if len(target) == 0 {
		return nil
	}
	want := joinWords(target)
	// Short names tolerate fewer edits, or every short word would match.
	limit := min(maxDist, len([]rune(want))/3)
	if limit < 1 {
		return nil
	}

	type variant struct {
		first int
		count int
	}
	variants := make(map[string]*variant)
	text := []rune(in.Text)
	for i := 0; i+len(target) <= len(words); i++ {
		got := joinWords(words[i : i+len(target)])
		if got == want {
			continue
		}
		d := levenshtein.ComputeDistance(got, want)
		if d < 1 || d > limit {
			continue
		}
		// Keep the source spelling for the message.
		start := words[i].offset
		last := words[i+len(target)-1]
		end := min(last.offset+len([]rune(last.norm)), len(text))
		src := string(text[start:end])
		v, ok := variants[src]
		if !ok {
			v = &variant{first: start}
			variants[src] = v
		}
		v.count++
	}

	var out []models.Finding
	for _, src := range sortedKeys(variants) {
		v := variants[src]
		loc := locate(in.Text, v.first)
		loc.FragmentID = fragmentAt(in.Fragments, loc)
		out = append(out, models.Finding{
			AuditorID:  e.ID(),
			Severity:   severity,
			Category:   e.Category(),
			RuleID:     "brand-spelling",
			Location:   loc,
			Message:    fmt.Sprintf("%q looks like a misspelling of %q (%d occurrence(s)).", src, brand, v.count),
			Suggestion: "Write the name as " + brand + ".",
		})
	}
	return out
}

const figure = `(?:[$€£]\s?\d[\d,]*(?:\.\d+)?|\d+(?:\.\d+)?\s?%)`

func (e Entity) labelValues(in Input, label string, severity models.Severity) ([]models.Finding, error) {
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(label) + `\b[^\d$€£\n]{0,30}(` + figure + `)`)
	if err != nil {
		return nil, fmt.Errorf("label %q: %w", label, err)
	}
	matches := re.FindAllStringSubmatchIndex(in.Text, -1)
	if len(matches) < 2 {
		return nil, nil
	}

	firstValue, firstKey := "", ""
	var out []models.Finding
	reported := make(map[string]bool)
	for _, m := range matches {
		raw := in.Text[m[2]:m[3]]
		key := canonicalFigure(raw)
		if firstKey == "" {
			firstValue, firstKey = raw, key
			continue
		}
		if key == firstKey || reported[key] {
			continue
		}
		reported[key] = true
		loc := locate(in.Text, runeIndex(in.Text, m[2]))
		loc.FragmentID = fragmentAt(in.Fragments, loc)
		out = append(out, models.Finding{
			AuditorID:  e.ID(),
			Severity:   severity,
			Category:   e.Category(),
			RuleID:     "inconsistent-figure",
			Location:   loc,
			Message:    fmt.Sprintf("%q is stated as %s here but %s earlier.", label, strings.TrimSpace(raw), strings.TrimSpace(firstValue)),
			Suggestion: "Use one value for " + label + " throughout.",
		})
	}
	return out, nil
}

// canonicalFigure normalises a figure so 1.50% and 1.5 % compare equal.
func canonicalFigure(raw string) string {
	s := strings.ReplaceAll(strings.ReplaceAll(raw, " ", ""), ",", "")
	unit := ""
	switch {
	case strings.HasSuffix(s, "%"):
		unit, s = "%", strings.TrimSuffix(s, "%")
	case strings.HasPrefix(s, "$"), strings.HasPrefix(s, "€"), strings.HasPrefix(s, "£"):
		r := []rune(s)
		unit, s = string(r[0]), string(r[1:])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return unit + s
	}
	return unit + strconv.FormatFloat(v, 'f', -1, 64)
}
