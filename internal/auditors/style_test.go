package auditors

import (
	"context"
	"testing"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frag(id string, page int, size float64, color *models.RGB) models.Fragment {
	return models.Fragment{ID: id, Page: page, Text: "text", FontSize: size, Color: color}
}

func TestTypographyAggregatesPerPageAndRule(t *testing.T) {
	in := Input{
		Fragments: []models.Fragment{
			frag("p1-f0", 1, 6, nil),
			frag("p1-f1", 1, 7, nil),
			frag("p1-f2", 1, 10, nil),
			frag("p2-f0", 2, 30, nil),
			frag("p2-f1", 2, 11, nil),
		},
		Params: Params{"min_size": 8, "max_size": 24, "allowed_sizes": []any{10, 12}},
	}
	findings, err := Typography{}.Audit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, findings, 3)

	assert.Equal(t, "font-too-small", findings[0].RuleID)
	assert.Equal(t, "p1-f0", findings[0].Location.FragmentID)
	assert.Contains(t, findings[0].Message, "2 text run(s)")
	assert.Contains(t, findings[0].Message, "6pt, 7pt")

	assert.Equal(t, "font-size-unapproved", findings[1].RuleID)
	assert.Equal(t, 2, findings[1].Location.Page)
	assert.Equal(t, "font-too-large", findings[2].RuleID)
}

func TestTypographyNeedsFontSizes(t *testing.T) {
	in := Input{Fragments: []models.Fragment{{ID: "p1-f0", Page: 1, Text: "ocr text"}}}
	_, err := Typography{}.Audit(context.Background(), in)
	assert.ErrorIs(t, err, ErrNotApplicable)
}

func TestPaletteFlagsOffBrandColors(t *testing.T) {
	red := &models.RGB{R: 255}
	in := Input{
		Fragments: []models.Fragment{
			frag("p1-f0", 1, 10, &models.RGB{}),
			frag("p1-f1", 1, 10, &models.RGB{R: 0, G: 0x34, B: 0x67}),
			frag("p1-f2", 1, 10, red),
			frag("p1-f3", 1, 10, red),
			frag("p2-f0", 2, 10, &models.RGB{G: 200}),
		},
		Params: Params{"colors": []any{"#003366", "#F60"}},
	}
	findings, err := Palette{}.Audit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, 1, findings[0].Location.Page)
	assert.Equal(t, "p1-f2", findings[0].Location.FragmentID)
	assert.Contains(t, findings[0].Message, "2 text run(s) use #FF0000")
	assert.Contains(t, findings[1].Message, "#00C800")
}

func TestPaletteNeutralsCanBeChecked(t *testing.T) {
	in := Input{
		Fragments: []models.Fragment{frag("p1-f0", 1, 10, &models.RGB{})},
		Params:    Params{"colors": []any{"#003366"}, "ignore_neutral": false},
	}
	findings, err := Palette{}.Audit(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestPaletteNeedsColors(t *testing.T) {
	in := Input{
		Fragments: []models.Fragment{{ID: "p1-f0", Page: 1, Text: "x"}},
		Params:    Params{"colors": []any{"#003366"}},
	}
	_, err := Palette{}.Audit(context.Background(), in)
	assert.ErrorIs(t, err, ErrNotApplicable)
}

func TestParseHex(t *testing.T) {
	c, err := parseHex("#f60")
	require.NoError(t, err)
	assert.Equal(t, models.RGB{R: 0xFF, G: 0x66}, c)
	_, err = parseHex("blue")
	assert.Error(t, err)
}
