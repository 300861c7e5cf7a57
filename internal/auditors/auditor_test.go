package auditors

import (
	"context"
	"testing"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocateCountsFormFeeds(t *testing.T) {
	text := "one\n\ftwo\n\fthree"
	assert.Equal(t, models.Location{Page: 1, Offset: 2}, locate(text, 2))
	assert.Equal(t, models.Location{Page: 2, Offset: 0}, locate(text, 5))
	assert.Equal(t, models.Location{Page: 3, Offset: 0}, locate(text, 10))
	assert.Equal(t, models.Location{Page: 3, Offset: 2}, locate(text, 12))
}

func TestParamsDecode(t *testing.T) {
	p := Params{"min_size": 8, "allowed_sizes": []any{10, 12.5}}
	var dst typographyParams
	require.NoError(t, p.Decode(&dst))
	assert.Equal(t, 8.0, dst.MinSize)
	assert.Equal(t, []float64{10, 12.5}, dst.AllowedSizes)

	var empty typographyParams
	require.NoError(t, Params(nil).Decode(&empty))
	assert.Zero(t, empty.MinSize)
}

func TestNewBuildsEveryKnownAuditor(t *testing.T) {
	for _, id := range Known() {
		a, err := New(id, Deps{})
		require.NoError(t, err, id)
		assert.Equal(t, id, a.ID())
		assert.NotEmpty(t, a.Category())
	}
	_, err := New("spellcheck", Deps{})
	assert.Error(t, err)
	assert.False(t, IsKnown("spellcheck"))
}

func TestAuditorsWithoutCollaboratorsAreNotApplicable(t *testing.T) {
	in := Input{Text: "Some text."}
	_, err := Grammar{}.Audit(context.Background(), in)
	assert.ErrorIs(t, err, ErrNotApplicable)
	_, err = Semantic{}.Audit(context.Background(), in)
	assert.ErrorIs(t, err, ErrNotApplicable)
}
