package models

import (
	"strings"
	"time"
)

// Severity of a finding. Higher rank sorts first.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Rank orders severities CRITICAL > WARNING > INFO.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts any case and defaults to WARNING.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityInfo:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// Location points into a document. Page 0 means document-wide.
type Location struct {
	Page       int    `json:"page" firestore:"page"`
	Offset     int    `json:"offset" firestore:"offset"`
	FragmentID string `json:"fragmentId,omitempty" firestore:"fragmentId,omitempty"`
}

// Less orders by page then offset.
func (l Location) Less(o Location) bool {
	if l.Page != o.Page {
		return l.Page < o.Page
	}
	return l.Offset < o.Offset
}

// Finding is one issue detected by one auditor.
type Finding struct {
	AuditorID  string   `json:"auditorId" firestore:"auditorId"`
	Severity   Severity `json:"severity" firestore:"severity"`
	Category   string   `json:"category" firestore:"category"`
	RuleID     string   `json:"ruleId" firestore:"ruleId"`
	Location   Location `json:"location" firestore:"location"`
	Message    string   `json:"message" firestore:"message"`
	Suggestion string   `json:"suggestion,omitempty" firestore:"suggestion,omitempty"`
}

// Diagnostic notes an auditor that could not run to completion.
type Diagnostic struct {
	AuditorID string `json:"auditorId" firestore:"auditorId"`
	Message   string `json:"message" firestore:"message"`
}

// Verdict is the overall outcome of a report.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// ValidationReport is the immutable result of one audit invocation.
type ValidationReport struct {
	ID          string                      `json:"id" firestore:"id"`
	DocumentID  string                      `json:"documentId" firestore:"documentId"`
	OwnerID     string                      `json:"ownerId" firestore:"ownerId"`
	PolicyID    string                      `json:"policyId" firestore:"policyId"`
	Detection   Detection                   `json:"detection" firestore:"detection"`
	Findings    []Finding                   `json:"findings" firestore:"findings"`
	Summary     map[string]map[Severity]int `json:"summary" firestore:"summary"`
	Diagnostics []Diagnostic                `json:"diagnostics,omitempty" firestore:"diagnostics,omitempty"`
	Score       float64                     `json:"score" firestore:"score"`
	Verdict     Verdict                     `json:"verdict" firestore:"verdict"`
	CreatedAt   time.Time                   `json:"createdAt" firestore:"createdAt"`
}

// CountsBySeverity totals findings per severity.
func (r *ValidationReport) CountsBySeverity() map[Severity]int {
	counts := map[Severity]int{SeverityCritical: 0, SeverityWarning: 0, SeverityInfo: 0}
	for _, f := range r.Findings {
		counts[f.Severity]++
	}
	return counts
}

// AuditSummary is the machine-readable summary returned alongside a formatted report.
type AuditSummary struct {
	ReportID                string           `json:"report_id"`
	DocumentID              string           `json:"document_id"`
	PolicyID                string           `json:"policy_id"`
	Verdict                 Verdict          `json:"verdict"`
	FindingCountsBySeverity map[Severity]int `json:"finding_counts_by_severity"`
}

// Summarize builds the machine summary of a report.
func (r *ValidationReport) Summarize() AuditSummary {
	return AuditSummary{
		ReportID:                r.ID,
		DocumentID:              r.DocumentID,
		PolicyID:                r.PolicyID,
		Verdict:                 r.Verdict,
		FindingCountsBySeverity: r.CountsBySeverity(),
	}
}
