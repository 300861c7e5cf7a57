// Package auditors holds the closed set of document checks a policy can
// select. Each auditor inspects extracted text, fragments and images and
// returns findings; auditors never depend on each other's output.
package auditors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Lllllllleong/documentauditflow/internal/llm"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrNotApplicable means the document lacks the data an auditor needs, such
// as font sizes for an OCR transcription. It is reported as a skipped check.
var ErrNotApplicable = errors.New("auditor not applicable to this document")

// Input is everything an auditor may inspect.
type Input struct {
	Document  *models.Document
	Text      string
	PageCount int
	Fragments []models.Fragment
	Images    []models.PageImage
	Params    Params
}

// Auditor is one single-purpose check.
type Auditor interface {
	ID() string
	Category() string
	Audit(ctx context.Context, in Input) ([]models.Finding, error)
}

// Deps are the external collaborators some auditors need.
type Deps struct {
	Grammar GrammarChecker
	Judge   llm.Judge
}

const (
	IDCompliance = "compliance"
	IDFormat     = "format"
	IDTypography = "typography"
	IDPalette    = "palette"
	IDLogo       = "logo"
	IDGrammar    = "grammar"
	IDEntity     = "entity"
	IDSemantic   = "semantic"
)

var known = []string{IDCompliance, IDFormat, IDTypography, IDPalette, IDLogo, IDGrammar, IDEntity, IDSemantic}

// Known lists every auditor id.
func Known() []string {
	return append([]string(nil), known...)
}

// IsKnown reports whether id names an auditor.
func IsKnown(id string) bool {
	for _, k := range known {
		if k == id {
			return true
		}
	}
	return false
}

// NeedImages reports whether any of ids inspects page images.
func NeedImages(ids []string) bool {
	for _, id := range ids {
		if id == IDLogo {
			return true
		}
	}
	return false
}

// New builds the auditor named id.
func New(id string, deps Deps) (Auditor, error) {
	switch id {
	case IDCompliance:
		return Compliance{}, nil
	case IDFormat:
		return Format{}, nil
	case IDTypography:
		return Typography{}, nil
	case IDPalette:
		return Palette{}, nil
	case IDLogo:
		return Logo{}, nil
	case IDGrammar:
		return Grammar{Checker: deps.Grammar}, nil
	case IDEntity:
		return Entity{}, nil
	case IDSemantic:
		return Semantic{Judge: deps.Judge}, nil
	default:
		return nil, fmt.Errorf("unknown auditor %q", id)
	}
}

// Params are the per-policy settings of one auditor.
type Params map[string]any

// Decode re-marshals the params into dst, which carries yaml tags.
func (p Params) Decode(dst any) error {
	if len(p) == 0 {
		return nil
	}
	data, err := yaml.Marshal(map[string]any(p))
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// locate maps a rune offset in the full text, whose pages are separated by
// form feeds, to a page and a page-relative offset.
func locate(text string, offset int) models.Location {
	page, start, i := 1, 0, 0
	for _, r := range text {
		if i >= offset {
			break
		}
		if r == '\f' {
			page++
			start = i + 1
		}
		i++
	}
	return models.Location{Page: page, Offset: offset - start}
}

// runeIndex converts a byte index into a rune index.
func runeIndex(text string, byteIdx int) int {
	if byteIdx > len(text) {
		byteIdx = len(text)
	}
	return utf8.RuneCountInString(text[:byteIdx])
}

// fragmentAt finds the fragment covering a location, if any. Fragments
// are ordered by page and offset.
func fragmentAt(frags []models.Fragment, loc models.Location) string {
	best := ""
	for _, f := range frags {
		if f.Page != loc.Page || f.Offset > loc.Offset {
			continue
		}
		best = f.ID
	}
	return best
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
