package models

// Policy is a named, immutable ruleset loaded from configuration.
type Policy struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Default     bool          `yaml:"default,omitempty" json:"default,omitempty"`
	Auditors    []AuditorSpec `yaml:"auditors" json:"auditors"`
	Signature   Signature     `yaml:"signature" json:"signature"`
}

// AuditorSpec selects one auditor and its parameters for a policy.
type AuditorSpec struct {
	ID      string         `yaml:"id" json:"id"`
	Enabled *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Weight  float64        `yaml:"weight,omitempty" json:"weight,omitempty"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsEnabled defaults to true when the flag is absent.
func (a AuditorSpec) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// EnabledIDs lists the ids of the enabled auditors in policy order.
func (p Policy) EnabledIDs() []string {
	var ids []string
	for _, a := range p.Auditors {
		if a.IsEnabled() {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// EffectiveWeight defaults to 1.
func (a AuditorSpec) EffectiveWeight() float64 {
	if a.Weight <= 0 {
		return 1
	}
	return a.Weight
}

// Signature is the data heuristic detection scores a document against.
type Signature struct {
	Keywords      []string `yaml:"keywords" json:"keywords"`
	Markers       []string `yaml:"markers,omitempty" json:"markers,omitempty"`
	KeywordWeight float64  `yaml:"keyword_weight,omitempty" json:"keywordWeight,omitempty"`
	MarkerWeight  float64  `yaml:"marker_weight,omitempty" json:"markerWeight,omitempty"`
}

// PolicyRefKind distinguishes auto-detection from an explicit policy id.
type PolicyRefKind int

const (
	PolicyRefExplicit PolicyRefKind = iota
	PolicyRefAuto
)

// PolicyRef is the parsed form of a client-supplied policy id.
type PolicyRef struct {
	Kind PolicyRefKind
	ID   string
}

// AutoPolicy asks the detector to choose.
func AutoPolicy() PolicyRef { return PolicyRef{Kind: PolicyRefAuto} }

// ExplicitPolicy names a registered policy.
func ExplicitPolicy(id string) PolicyRef { return PolicyRef{Kind: PolicyRefExplicit, ID: id} }

// ParsePolicyRef interprets "auto" and the empty string as auto-detection.
func ParsePolicyRef(raw string) PolicyRef {
	if raw == "" || raw == "auto" {
		return AutoPolicy()
	}
	return ExplicitPolicy(raw)
}

func (r PolicyRef) String() string {
	if r.Kind == PolicyRefAuto {
		return "auto"
	}
	return r.ID
}

// Detection records how a policy was chosen.
type Detection struct {
	PolicyID   string             `json:"policyId"`
	Auto       bool               `json:"auto"`
	Confidence float64            `json:"confidence"`
	Fallback   bool               `json:"fallback"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}
