package auditors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Lllllllleong/documentauditflow/internal/models"
)

type typographyParams struct {
	MinSize      float64   `yaml:"min_size"`
	MaxSize      float64   `yaml:"max_size"`
	AllowedSizes []float64 `yaml:"allowed_sizes"`
	Tolerance    float64   `yaml:"tolerance"`
	Severity     string    `yaml:"severity"`
}

// Typography checks the font sizes recorded on text fragments.
type Typography struct{}

func (Typography) ID() string       { return IDTypography }
func (Typography) Category() string { return "typography" }

type styleHit struct {
	loc    models.Location
	count  int
	values map[string]struct{}
}

type styleKey struct {
	page int
	rule string
}

func (t Typography) Audit(ctx context.Context, in Input) ([]models.Finding, error) {
	var p typographyParams
	if err := in.Params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Tolerance <= 0 {
		p.Tolerance = 0.5
	}

	hits := make(map[styleKey]*styleHit)
	sized := false
	for _, f := range in.Fragments {
		if f.FontSize <= 0 || strings.TrimSpace(f.Text) == "" {
			continue
		}
		sized = true
		rule := ""
		switch {
		case p.MinSize > 0 && f.FontSize < p.MinSize-p.Tolerance:
			rule = "font-too-small"
		case p.MaxSize > 0 && f.FontSize > p.MaxSize+p.Tolerance:
			rule = "font-too-large"
		case len(p.AllowedSizes) > 0 && !sizeAllowed(f.FontSize, p.AllowedSizes, p.Tolerance):
			rule = "font-size-unapproved"
		}
		if rule != "" {
			record(hits, styleKey{f.Page, rule}, f, strconv.FormatFloat(f.FontSize, 'f', -1, 64)+"pt")
		}
	}
	if !sized {
		return nil, ErrNotApplicable
	}

	severity := models.SeverityWarning
	if p.Severity != "" {
		severity = models.ParseSeverity(p.Severity)
	}
	return collect(hits, func(k styleKey, h *styleHit) models.Finding {
		var msg, suggestion string
		sizes := joinSet(h.values)
		switch k.rule {
		case "font-too-small":
			msg = fmt.Sprintf("%d text run(s) below the minimum font size (%s).", h.count, sizes)
			suggestion = fmt.Sprintf("Use at least %gpt.", p.MinSize)
		case "font-too-large":
			msg = fmt.Sprintf("%d text run(s) above the maximum font size (%s).", h.count, sizes)
			suggestion = fmt.Sprintf("Use at most %gpt.", p.MaxSize)
		default:
			msg = fmt.Sprintf("%d text run(s) use unapproved font sizes (%s).", h.count, sizes)
			suggestion = "Approved sizes: " + joinFloats(p.AllowedSizes) + "."
		}
		return models.Finding{
			AuditorID: t.ID(), Severity: severity, Category: t.Category(), RuleID: k.rule,
			Location: h.loc, Message: msg, Suggestion: suggestion,
		}
	}), nil
}

func sizeAllowed(size float64, allowed []float64, tolerance float64) bool {
	for _, a := range allowed {
		if math.Abs(size-a) <= tolerance {
			return true
		}
	}
	return false
}

type paletteParams struct {
	Colors        []string `yaml:"colors"`
	Tolerance     float64  `yaml:"tolerance"`
	IgnoreNeutral *bool    `yaml:"ignore_neutral"`
	Severity      string   `yaml:"severity"`
}

// Palette checks text fill colors against the brand palette.
type Palette struct{}

func (Palette) ID() string       { return IDPalette }
func (Palette) Category() string { return "palette" }

func (pl Palette) Audit(ctx context.Context, in Input) ([]models.Finding, error) {
	var p paletteParams
	if err := in.Params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Tolerance <= 0 {
		p.Tolerance = 40
	}
	ignoreNeutral := p.IgnoreNeutral == nil || *p.IgnoreNeutral

	palette := make([]models.RGB, 0, len(p.Colors))
	for _, c := range p.Colors {
		rgb, err := parseHex(c)
		if err != nil {
			return nil, err
		}
		palette = append(palette, rgb)
	}
	if len(palette) == 0 {
		return nil, fmt.Errorf("palette has no colors")
	}

	hits := make(map[styleKey]*styleHit)
	colored := false
	for _, f := range in.Fragments {
		if f.Color == nil || strings.TrimSpace(f.Text) == "" {
			continue
		}
		colored = true
		c := *f.Color
		if ignoreNeutral && isNeutral(c) {
			continue
		}
		if nearest(c, palette) <= p.Tolerance {
			continue
		}
		hex := toHex(c)
		record(hits, styleKey{f.Page, hex}, f, hex)
	}
	if !colored {
		return nil, ErrNotApplicable
	}

	severity := models.SeverityWarning
	if p.Severity != "" {
		severity = models.ParseSeverity(p.Severity)
	}
	return collect(hits, func(k styleKey, h *styleHit) models.Finding {
		return models.Finding{
			AuditorID:  pl.ID(),
			Severity:   severity,
			Category:   pl.Category(),
			RuleID:     "off-palette-color",
			Location:   h.loc,
			Message:    fmt.Sprintf("%d text run(s) use %s, which is not in the brand palette.", h.count, k.rule),
			Suggestion: "Use one of " + strings.Join(p.Colors, ", ") + ".",
		}
	}), nil
}

func record(hits map[styleKey]*styleHit, k styleKey, f models.Fragment, value string) {
	h, ok := hits[k]
	if !ok {
		h = &styleHit{
			loc:    models.Location{Page: f.Page, Offset: f.Offset, FragmentID: f.ID},
			values: make(map[string]struct{}),
		}
		hits[k] = h
	}
	h.count++
	h.values[value] = struct{}{}
}

func collect(hits map[styleKey]*styleHit, build func(styleKey, *styleHit) models.Finding) []models.Finding {
	keys := make([]styleKey, 0, len(hits))
	for k := range hits {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].page != keys[j].page {
			return keys[i].page < keys[j].page
		}
		return keys[i].rule < keys[j].rule
	})
	out := make([]models.Finding, 0, len(keys))
	for _, k := range keys {
		out = append(out, build(k, hits[k]))
	}
	return out
}

func joinSet(set map[string]struct{}) string {
	return strings.Join(sortedKeys(set), ", ")
}

func joinFloats(fs []float64) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64) + "pt"
	}
	return strings.Join(parts, ", ")
}

func parseHex(s string) (models.RGB, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return models.RGB{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return models.RGB{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return models.RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

func toHex(c models.RGB) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

func distance(a, b models.RGB) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func nearest(c models.RGB, palette []models.RGB) float64 {
	best := math.MaxFloat64
	for _, p := range palette {
		if d := distance(c, p); d < best {
			best = d
		}
	}
	return best
}

// isNeutral reports blacks, whites and greys.
func isNeutral(c models.RGB) bool {
	hi := max(c.R, c.G, c.B)
	lo := min(c.R, c.G, c.B)
	return hi-lo <= 16
}
