package services

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Lllllllleong/documentauditflow/internal/auditors"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const (
	defaultKeywordWeight = 0.7
	defaultMarkerWeight  = 0.3
	// DefaultDetectionFloor is the minimum score auto-detection accepts.
	DefaultDetectionFloor = 0.6
)

// LoadPolicies reads every policy file under dir. Relative "reference" params
// are resolved against the directory of the file that declares them.
func LoadPolicies(dir string) ([]models.Policy, error) {
	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, "**/*.{yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("failed to list policy files in %s: %w", dir, err)
	}
	sort.Strings(matches)

	var policies []models.Policy
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", name, err)
		}
		var p models.Policy
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", name, err)
		}
		base := filepath.Join(dir, filepath.Dir(filepath.FromSlash(name)))
		for i := range p.Auditors {
			ref, ok := p.Auditors[i].Params["reference"].(string)
			if ok && ref != "" && !filepath.IsAbs(ref) {
				p.Auditors[i].Params["reference"] = filepath.Join(base, ref)
			}
		}
		policies = append(policies, p)
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", dir)
	}
	return policies, nil
}

type compiledPolicy struct {
	policy   models.Policy
	keywords []*regexp.Regexp
	markers  []*regexp.Regexp
}

// PolicyRegistry holds the immutable policy table and detects which policy
// applies to a document.
type PolicyRegistry struct {
	byID      map[string]*compiledPolicy
	ids       []string
	defaultID string
	floor     float64
}

// NewPolicyRegistry validates policies and compiles their signatures.
// defaultID may be empty when exactly one policy is flagged as default.
func NewPolicyRegistry(policies []models.Policy, defaultID string, floor float64) (*PolicyRegistry, error) {
	if floor <= 0 {
		floor = DefaultDetectionFloor
	}
	r := &PolicyRegistry{byID: make(map[string]*compiledPolicy), floor: floor}

	var flagged []string
	for _, p := range policies {
		if p.ID == "" {
			return nil, fmt.Errorf("policy %q has no id", p.Name)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate policy id %q", p.ID)
		}
		for _, a := range p.Auditors {
			if !auditors.IsKnown(a.ID) {
				return nil, fmt.Errorf("policy %q references unknown auditor %q", p.ID, a.ID)
			}
		}
		cp := &compiledPolicy{policy: p}
		for _, kw := range p.Signature.Keywords {
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(kw)) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("policy %q keyword %q: %w", p.ID, kw, err)
			}
			cp.keywords = append(cp.keywords, re)
		}
		for _, m := range p.Signature.Markers {
			re, err := regexp.Compile(`(?i)` + m)
			if err != nil {
				return nil, fmt.Errorf("policy %q marker %q: %w", p.ID, m, err)
			}
			cp.markers = append(cp.markers, re)
		}
		r.byID[p.ID] = cp
		r.ids = append(r.ids, p.ID)
		if p.Default {
			flagged = append(flagged, p.ID)
		}
	}
	sort.Strings(r.ids)

	switch {
	case defaultID != "":
		if _, ok := r.byID[defaultID]; !ok {
			return nil, fmt.Errorf("default policy %q is not registered", defaultID)
		}
		r.defaultID = defaultID
	case len(flagged) == 1:
		r.defaultID = flagged[0]
	default:
		return nil, fmt.Errorf("exactly one default policy is required, found %d", len(flagged))
	}
	return r, nil
}

// Get returns a registered policy.
func (r *PolicyRegistry) Get(id string) (models.Policy, bool) {
	cp, ok := r.byID[id]
	if !ok {
		return models.Policy{}, false
	}
	return cp.policy, true
}

// List returns all policies ordered by id.
func (r *PolicyRegistry) List() []models.Policy {
	out := make([]models.Policy, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id].policy)
	}
	return out
}

// DefaultID is the policy auto-detection falls back to.
func (r *PolicyRegistry) DefaultID() string { return r.defaultID }

// Resolve returns the policy ref names. An explicit id must be registered;
// auto runs detection over text.
func (r *PolicyRegistry) Resolve(ref models.PolicyRef, text string) (models.Policy, models.Detection, error) {
	if ref.Kind == models.PolicyRefExplicit {
		cp, ok := r.byID[ref.ID]
		if !ok {
			return models.Policy{}, models.Detection{}, models.NewError(models.CodeUnknownPolicy, nil, "unknown policy %q", ref.ID)
		}
		return cp.policy, models.Detection{PolicyID: ref.ID, Confidence: 1}, nil
	}
	det := r.Detect(text)
	return r.byID[det.PolicyID].policy, det, nil
}

// Detect scores every policy signature against text and picks the best one
// at or above the floor, else the default policy. It is a pure function of
// text and the policy table.
func (r *PolicyRegistry) Detect(text string) models.Detection {
	det := models.Detection{Auto: true, Scores: make(map[string]float64, len(r.ids))}
	best, bestScore := "", -1.0
	// ids are sorted, so strict > keeps the lowest id on a tie.
	for _, id := range r.ids {
		score := r.byID[id].score(text)
		det.Scores[id] = score
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	if best != "" && bestScore >= r.floor {
		det.PolicyID = best
		det.Confidence = bestScore
		return det
	}
	det.PolicyID = r.defaultID
	det.Confidence = det.Scores[r.defaultID]
	det.Fallback = true
	return det
}

func (cp *compiledPolicy) score(text string) float64 {
	kwRate := hitRate(cp.keywords, text)
	if len(cp.markers) == 0 {
		if len(cp.keywords) == 0 {
			return 0
		}
		return kwRate
	}
	kw, mk := cp.policy.Signature.KeywordWeight, cp.policy.Signature.MarkerWeight
	if kw <= 0 && mk <= 0 {
		kw, mk = defaultKeywordWeight, defaultMarkerWeight
	}
	if len(cp.keywords) == 0 {
		kw = 0
	}
	total := kw + mk
	if total == 0 {
		return 0
	}
	return (kw*kwRate + mk*hitRate(cp.markers, text)) / total
}

func hitRate(patterns []*regexp.Regexp, text string) float64 {
	if len(patterns) == 0 {
		return 0
	}
	hits := 0
	for _, re := range patterns {
		if re.MatchString(text) {
			hits++
		}
	}
	return float64(hits) / float64(len(patterns))
}
