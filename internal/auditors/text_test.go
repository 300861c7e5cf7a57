package auditors

import (
	"context"
	"testing"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pastPerformance = "Past performance is not a reliable indicator of future results."

func complianceInput(text string) Input {
	return Input{
		Text: text,
		Params: Params{"clauses": []any{
			map[string]any{"id": "past-performance", "text": pastPerformance},
		}},
	}
}

func TestComplianceToleratesCaseAccentsAndPunctuation(t *testing.T) {
	text := "Intro.\fPast performance, is NOT a reliable indicator of future résults! More."
	findings, err := Compliance{}.Audit(context.Background(), complianceInput(text))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestComplianceReportsAlteredClause(t *testing.T) {
	text := "Cover.\fPast performance is not a reliable guide of future earnings."
	findings, err := Compliance{}.Audit(context.Background(), complianceInput(text))
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, models.SeverityWarning, f.Severity)
	assert.Equal(t, "past-performance", f.RuleID)
	assert.Equal(t, models.Location{Page: 2, Offset: 0}, f.Location)
	assert.Contains(t, f.Suggestion, pastPerformance)
}

func TestComplianceReportsMissingClause(t *testing.T) {
	findings, err := Compliance{}.Audit(context.Background(), complianceInput("Nothing to see here at all."))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityCritical, findings[0].Severity)
	assert.Equal(t, 0, findings[0].Location.Page)
}

func TestComplianceHonoursClauseSeverity(t *testing.T) {
	in := Input{
		Text: "Nothing relevant.",
		Params: Params{"clauses": []any{
			map[string]any{"id": "c", "text": "Capital at risk", "severity": "info"},
		}},
	}
	findings, err := Compliance{}.Audit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityInfo, findings[0].Severity)
}

func TestFormatRules(t *testing.T) {
	in := Input{
		Text: "Fee $1,200.00 and $300.\fSigned 2024-03-01, due 03/15/2024. ISIN US0378331005.",
		Params: Params{"rules": []any{
			map[string]any{
				"id":      "money",
				"find":    `\$[\d,]+(?:\.\d+)?`,
				"expect":  `\$\d{1,3}(,\d{3})*\.\d{2}`,
				"message": "Amounts need two decimals.",
			},
			map[string]any{
				"id":     "dates",
				"find":   `\b\d{1,2}/\d{1,2}/\d{4}\b|\b\d{4}-\d{2}-\d{2}\b`,
				"expect": "date:2006-01-02",
			},
			map[string]any{
				"id":        "isin",
				"find":      `\b[A-Z]{2}[A-Z0-9]{9}\d\b`,
				"required":  true,
				"min_count": 2,
				"severity":  "CRITICAL",
			},
		}},
	}
	findings, err := Format{}.Audit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, findings, 3)

	assert.Equal(t, "money", findings[0].RuleID)
	assert.Contains(t, findings[0].Message, `"$300"`)
	assert.Equal(t, 1, findings[0].Location.Page)

	assert.Equal(t, "dates", findings[1].RuleID)
	assert.Contains(t, findings[1].Message, "03/15/2024")
	assert.Equal(t, 2, findings[1].Location.Page)

	assert.Equal(t, "isin", findings[2].RuleID)
	assert.Equal(t, models.SeverityCritical, findings[2].Severity)
}

func TestFormatAnyDate(t *testing.T) {
	in := Input{
		Text: "Valid 2024-03-01. Broken 31/31/2024.",
		Params: Params{"rules": []any{
			map[string]any{"id": "d", "find": `\d{1,4}[-/]\d{1,2}[-/]\d{1,4}`, "expect": "date"},
		}},
	}
	findings, err := Format{}.Audit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Message, "31/31/2024")
}

func TestFormatRejectsBadPattern(t *testing.T) {
	in := Input{Params: Params{"rules": []any{map[string]any{"id": "x", "find": "("}}}}
	_, err := Format{}.Audit(context.Background(), in)
	assert.Error(t, err)
}

func TestEntityBrandVariants(t *testing.T) {
	in := Input{
		Text:   "Acme Capital is great. Acme Capitol agrees. Acne Capital? ACME CAPITAL. Acme Capitol again.",
		Params: Params{"brands": []any{"Acme Capital"}},
	}
	findings, err := Entity{}.Audit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Contains(t, findings[0].Message, `"Acme Capitol"`)
	assert.Contains(t, findings[0].Message, "2 occurrence(s)")
	assert.Contains(t, findings[1].Message, `"Acne Capital"`)
	assert.Equal(t, "brand-spelling", findings[1].RuleID)
}

func TestEntityInconsistentFigures(t *testing.T) {
	in := Input{
		Text: "The management fee is 1.50% per year.\fThe management fee: 1.5 % as above.\fA management fee of 2% applies.",
		Params: Params{"labels": []any{"management fee"}},
	}
	findings, err := Entity{}.Audit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "inconsistent-figure", findings[0].RuleID)
	assert.Equal(t, 3, findings[0].Location.Page)
	assert.Contains(t, findings[0].Message, "2%")
	assert.Contains(t, findings[0].Message, "1.50%")
}

type fakeJudge struct {
	reply string
	err   error
}

func (f fakeJudge) JudgeJSON(context.Context, string, string) (string, error) {
	return f.reply, f.err
}

func TestSemanticContradictions(t *testing.T) {
	text := "The fund launched in 2019.\fThe fund was launched in 2021."
	judge := fakeJudge{reply: "```json\n" + `{"contradictions":[
		{"claim_a":"The fund was launched in 2021.","claim_b":"The fund launched in 2019.","explanation":"Two launch years.","severity":"critical"},
		{"claim_a":"x","claim_b":"","severity":"INFO"}
	]}` + "\n```"}
	findings, err := Semantic{Judge: judge}.Audit(context.Background(), Input{Text: text})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityCritical, findings[0].Severity)
	assert.Equal(t, models.Location{Page: 2, Offset: 0}, findings[0].Location)
	assert.Contains(t, findings[0].Message, "Two launch years.")
}

func TestSemanticRejectsMalformedJudgement(t *testing.T) {
	_, err := Semantic{Judge: fakeJudge{reply: "not json"}}.Audit(context.Background(), Input{Text: "x"})
	assert.Error(t, err)
}
