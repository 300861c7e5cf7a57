package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicies() []models.Policy {
	return []models.Policy{
		{
			ID:       "invoice",
			Name:     "Invoices",
			Auditors: []models.AuditorSpec{{ID: "format"}},
			Signature: models.Signature{
				Keywords: []string{"invoice", "amount due", "vat"},
				Markers:  []string{`INV-\d{4}`},
			},
		},
		{
			ID:       "contract",
			Name:     "Contracts",
			Default:  true,
			Auditors: []models.AuditorSpec{{ID: "compliance"}},
			Signature: models.Signature{
				Keywords: []string{"agreement", "party", "term"},
			},
		},
	}
}

func TestDetectPicksBestSignature(t *testing.T) {
	reg, err := NewPolicyRegistry(testPolicies(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, "contract", reg.DefaultID())

	det := reg.Detect("Invoice INV-2024. Amount due: 100 EUR incl. VAT.")
	assert.Equal(t, "invoice", det.PolicyID)
	assert.True(t, det.Auto)
	assert.False(t, det.Fallback)
	assert.InDelta(t, 1.0, det.Confidence, 1e-9)
	assert.InDelta(t, 0.0, det.Scores["contract"], 1e-9)

	again := reg.Detect("Invoice INV-2024. Amount due: 100 EUR incl. VAT.")
	assert.Equal(t, det, again)
}

func TestDetectFallsBackBelowFloor(t *testing.T) {
	reg, err := NewPolicyRegistry(testPolicies(), "", 0)
	require.NoError(t, err)

	// One keyword of three and no marker: 0.7 * 1/3.
	det := reg.Detect("Please find the invoice attached.")
	assert.Equal(t, "contract", det.PolicyID)
	assert.True(t, det.Fallback)
	assert.InDelta(t, 0.7/3, det.Scores["invoice"], 1e-9)

	det = reg.Detect("")
	assert.Equal(t, "contract", det.PolicyID)
	assert.True(t, det.Fallback)
}

func TestDetectKeywordOnlyPolicyScoresKeywordRate(t *testing.T) {
	reg, err := NewPolicyRegistry(testPolicies(), "", 0)
	require.NoError(t, err)

	det := reg.Detect("This agreement binds each party for the term stated.")
	assert.Equal(t, "contract", det.PolicyID)
	assert.False(t, det.Fallback)
	assert.InDelta(t, 1.0, det.Confidence, 1e-9)
}

func TestDetectTieGoesToLowestID(t *testing.T) {
	sig := models.Signature{Keywords: []string{"brochure"}}
	reg, err := NewPolicyRegistry([]models.Policy{
		{ID: "zeta", Signature: sig},
		{ID: "alpha", Signature: sig},
		{ID: "fallback", Default: true},
	}, "", 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Equal(t, "alpha", reg.Detect("Our new brochure").PolicyID)
	}
}

func TestResolve(t *testing.T) {
	reg, err := NewPolicyRegistry(testPolicies(), "invoice", 0)
	require.NoError(t, err)
	assert.Equal(t, "invoice", reg.DefaultID(), "explicit default wins over the flag")

	p, det, err := reg.Resolve(models.ExplicitPolicy("contract"), "Invoice INV-2024")
	require.NoError(t, err)
	assert.Equal(t, "contract", p.ID)
	assert.False(t, det.Auto)
	assert.Equal(t, 1.0, det.Confidence)

	_, _, err = reg.Resolve(models.ExplicitPolicy("brochure"), "")
	assert.Equal(t, models.CodeUnknownPolicy, models.CodeOf(err))

	p, det, err = reg.Resolve(models.ParsePolicyRef("auto"), "Invoice INV-2024 amount due VAT")
	require.NoError(t, err)
	assert.Equal(t, "invoice", p.ID)
	assert.True(t, det.Auto)
}

func TestNewPolicyRegistryRejectsBadTables(t *testing.T) {
	dup := append(testPolicies(), models.Policy{ID: "invoice"})
	_, err := NewPolicyRegistry(dup, "", 0)
	assert.ErrorContains(t, err, "duplicate policy id")

	unknown := testPolicies()
	unknown[0].Auditors = []models.AuditorSpec{{ID: "spellcheck"}}
	_, err = NewPolicyRegistry(unknown, "", 0)
	assert.ErrorContains(t, err, "unknown auditor")

	noDefault := testPolicies()
	noDefault[1].Default = false
	_, err = NewPolicyRegistry(noDefault, "", 0)
	assert.ErrorContains(t, err, "exactly one default")

	_, err = NewPolicyRegistry(testPolicies(), "missing", 0)
	assert.ErrorContains(t, err, "not registered")

	badMarker := testPolicies()
	badMarker[0].Signature.Markers = []string{"("}
	_, err = NewPolicyRegistry(badMarker, "", 0)
	assert.Error(t, err)
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "brand"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "brand", "marketing.yaml"), []byte(`
id: marketing
name: Marketing material
default: true
auditors:
  - id: logo
    params:
      reference: logo.png
  - id: palette
    weight: 0.5
    params:
      colors: ["#0055aa"]
signature:
  keywords: [brochure, campaign]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice.yml"), []byte(`
id: invoice
name: Invoices
auditors:
  - id: format
    enabled: false
signature:
  keywords: [invoice]
  markers: ['INV-\d+']
  keyword_weight: 0.5
  marker_weight: 0.5
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a policy"), 0o644))

	policies, err := LoadPolicies(dir)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	marketing := policies[0]
	assert.Equal(t, "marketing", marketing.ID)
	assert.Equal(t, filepath.Join(dir, "brand", "logo.png"), marketing.Auditors[0].Params["reference"])
	assert.Equal(t, 0.5, marketing.Auditors[1].EffectiveWeight())

	invoice := policies[1]
	assert.False(t, invoice.Auditors[0].IsEnabled())
	assert.Equal(t, 0.5, invoice.Signature.MarkerWeight)

	reg, err := NewPolicyRegistry(policies, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "marketing", reg.DefaultID())
	assert.Len(t, reg.List(), 2)

	_, err = LoadPolicies(t.TempDir())
	assert.ErrorContains(t, err, "no policy files")
}

func TestShippedPoliciesLoad(t *testing.T) {
	policies, err := LoadPolicies("../../policies")
	require.NoError(t, err)

	reg, err := NewPolicyRegistry(policies, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "general", reg.DefaultID())
	assert.ElementsMatch(t, []string{"contract", "general", "invoice", "marketing"}, policyIDs(reg.List()))

	marketing, ok := reg.Get("marketing")
	require.True(t, ok)
	for _, a := range marketing.Auditors {
		if a.ID == "logo" {
			assert.FileExists(t, a.Params["reference"].(string))
		}
	}

	det := reg.Detect("Invoice INV-000042. Bill To: Example Ltd. Amount due: 120.00 incl. VAT. Payment terms 30 days. IBAN DE00 0000.")
	assert.Equal(t, "invoice", det.PolicyID)
	assert.False(t, det.Fallback)
}

func policyIDs(policies []models.Policy) []string {
	ids := make([]string, 0, len(policies))
	for _, p := range policies {
		ids = append(ids, p.ID)
	}
	return ids
}
