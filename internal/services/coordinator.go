package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/auditors"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var severityPenalty = map[models.Severity]float64{
	models.SeverityCritical: 25,
	models.SeverityWarning:  5,
	models.SeverityInfo:     1,
}

// CoordinatorConfig bounds a validation run.
type CoordinatorConfig struct {
	// AuditorTimeout applies to each auditor separately.
	AuditorTimeout time.Duration
	// Concurrency caps how many auditors run at once; 0 runs all together.
	Concurrency int
}

// Coordinator runs a policy's auditors against one document and merges
// their findings into a report.
type Coordinator struct {
	deps  auditors.Deps
	cfg   CoordinatorConfig
	build func(id string, deps auditors.Deps) (auditors.Auditor, error)
	now   func() time.Time
}

// NewCoordinator creates a coordinator using deps for auditors that need
// external services.
func NewCoordinator(deps auditors.Deps, cfg CoordinatorConfig) *Coordinator {
	if cfg.AuditorTimeout <= 0 {
		cfg.AuditorTimeout = 40 * time.Second
	}
	return &Coordinator{deps: deps, cfg: cfg, build: auditors.New, now: time.Now}
}

type auditorResult struct {
	findings   []models.Finding
	diagnostic string
}

// Validate runs every enabled auditor of policy. An auditor that fails,
// times out or panics contributes no findings and a diagnostic; Validate
// itself only fails when ctx is done before any auditor could run.
func (c *Coordinator) Validate(ctx context.Context, doc *models.Document, text *models.ExtractedText, policy models.Policy, det models.Detection) (*models.ValidationReport, error) {
	logCtx := slog.With("documentId", doc.ID, "policyId", policy.ID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var specs []models.AuditorSpec
	for _, spec := range policy.Auditors {
		if spec.IsEnabled() {
			specs = append(specs, spec)
		}
	}
	results := make([]auditorResult, len(specs))

	eg := &errgroup.Group{}
	if c.cfg.Concurrency > 0 {
		eg.SetLimit(c.cfg.Concurrency)
	}
	for i, spec := range specs {
		eg.Go(func() error {
			results[i] = c.runOne(ctx, spec, doc, text)
			return nil
		})
	}
	_ = eg.Wait()

	report := &models.ValidationReport{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		PolicyID:   policy.ID,
		Detection:  det,
		Findings:   []models.Finding{},
		Summary:    make(map[string]map[models.Severity]int),
		CreatedAt:  c.now().UTC(),
	}
	penalty := 0.0
	for i, res := range results {
		if res.diagnostic != "" {
			report.Diagnostics = append(report.Diagnostics, models.Diagnostic{AuditorID: specs[i].ID, Message: res.diagnostic})
			logCtx.Warn("Auditor did not complete.", "auditor", specs[i].ID, "detail", res.diagnostic)
			continue
		}
		for _, f := range res.findings {
			penalty += severityPenalty[f.Severity] * specs[i].EffectiveWeight()
		}
		report.Findings = append(report.Findings, res.findings...)
	}

	SortFindings(report.Findings)
	for _, f := range report.Findings {
		counts, ok := report.Summary[f.Category]
		if !ok {
			counts = make(map[models.Severity]int)
			report.Summary[f.Category] = counts
		}
		counts[f.Severity]++
		if f.Severity == models.SeverityCritical {
			report.Verdict = models.VerdictFail
		}
	}
	if report.Verdict == "" {
		report.Verdict = models.VerdictPass
	}
	report.Score = max(0, 100-penalty)

	logCtx.Info("Validation complete.", "verdict", report.Verdict, "findings", len(report.Findings), "diagnostics", len(report.Diagnostics))
	return report, nil
}

func (c *Coordinator) runOne(ctx context.Context, spec models.AuditorSpec, doc *models.Document, text *models.ExtractedText) (res auditorResult) {
	defer func() {
		if r := recover(); r != nil {
			res = auditorResult{diagnostic: fmt.Sprintf("check crashed: %v", r)}
		}
	}()

	a, err := c.build(spec.ID, c.deps)
	if err != nil {
		return auditorResult{diagnostic: err.Error()}
	}
	auditCtx, cancel := context.WithTimeout(ctx, c.cfg.AuditorTimeout)
	defer cancel()

	findings, err := a.Audit(auditCtx, auditors.Input{
		Document:  doc,
		Text:      text.Text,
		PageCount: text.PageCount,
		Fragments: text.Fragments,
		Images:    text.Images,
		Params:    auditors.Params(spec.Params),
	})
	switch {
	case errors.Is(err, auditors.ErrNotApplicable):
		return auditorResult{diagnostic: "skipped: not applicable to this document"}
	case err != nil && errors.Is(auditCtx.Err(), context.DeadlineExceeded):
		return auditorResult{diagnostic: fmt.Sprintf("timed out after %s", c.cfg.AuditorTimeout)}
	case err != nil:
		return auditorResult{diagnostic: "check failed: " + err.Error()}
	}
	for i := range findings {
		findings[i].AuditorID = a.ID()
		if findings[i].Category == "" {
			findings[i].Category = a.Category()
		}
	}
	return auditorResult{findings: findings}
}

// SortFindings orders by severity, then page, then offset. Rule id and
// message break the remaining ties so the order never depends on which
// auditor finished first.
func SortFindings(findings []models.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Location.Page != b.Location.Page || a.Location.Offset != b.Location.Offset {
			return a.Location.Less(b.Location)
		}
		if a.AuditorID != b.AuditorID {
			return a.AuditorID < b.AuditorID
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Message < b.Message
	})
}

// DefaultReportTokens is the context budget of one formatted report.
const DefaultReportTokens = 800

// FormatReport renders report as severity-tagged text grouped by category,
// within roughly tokenBudget tokens.
func FormatReport(report *models.ValidationReport, title string, tokenBudget int) string {
	if tokenBudget <= 0 {
		tokenBudget = DefaultReportTokens
	}
	budget := tokenBudget * 4

	var head strings.Builder
	fmt.Fprintf(&head, "Audit report: %s\n", title)
	switch {
	case report.Detection.Fallback:
		fmt.Fprintf(&head, "Policy: %s (no policy matched confidently, default applied)\n", report.PolicyID)
	case report.Detection.Auto:
		fmt.Fprintf(&head, "Policy: %s (auto-detected, confidence %.2f)\n", report.PolicyID, report.Detection.Confidence)
	default:
		fmt.Fprintf(&head, "Policy: %s\n", report.PolicyID)
	}
	counts := report.CountsBySeverity()
	fmt.Fprintf(&head, "Verdict: %s | Score %.0f/100 | %d critical, %d warning, %d info\n",
		strings.ToUpper(string(report.Verdict)), report.Score,
		counts[models.SeverityCritical], counts[models.SeverityWarning], counts[models.SeverityInfo])

	var tail strings.Builder
	if len(report.Diagnostics) > 0 {
		tail.WriteString("\nChecks that could not run:\n")
		for _, d := range report.Diagnostics {
			fmt.Fprintf(&tail, "- %s: %s\n", d.AuditorID, d.Message)
		}
	}

	var body strings.Builder
	remaining := budget - head.Len() - tail.Len()
	written := 0
groups:
	for _, group := range groupByCategory(report.Findings) {
		header := fmt.Sprintf("\n[%s]\n", group.category)
		for i, f := range group.findings {
			line := formatFinding(f)
			need := len(line)
			if i == 0 {
				need += len(header)
			}
			// Keep room for the omission note.
			if need > remaining-60 {
				break groups
			}
			if i == 0 {
				body.WriteString(header)
			}
			body.WriteString(line)
			remaining -= need
			written++
		}
	}
	if omitted := len(report.Findings) - written; omitted > 0 {
		fmt.Fprintf(&body, "\n(%d more finding(s) omitted for length.)\n", omitted)
	}
	if len(report.Findings) == 0 {
		body.WriteString("\nNo issues found.\n")
	}
	return strings.TrimRight(head.String()+body.String()+tail.String(), "\n")
}

type categoryGroup struct {
	category string
	findings []models.Finding
}

// groupByCategory keeps the sorted order, so the category holding the most
// severe finding comes first.
func groupByCategory(findings []models.Finding) []categoryGroup {
	var groups []categoryGroup
	index := make(map[string]int)
	for _, f := range findings {
		i, ok := index[f.Category]
		if !ok {
			i = len(groups)
			index[f.Category] = i
			groups = append(groups, categoryGroup{category: f.Category})
		}
		groups[i].findings = append(groups[i].findings, f)
	}
	return groups
}

func formatFinding(f models.Finding) string {
	where := "document"
	if f.Location.Page > 0 {
		where = fmt.Sprintf("p.%d", f.Location.Page)
	}
	line := fmt.Sprintf("- [%s] %s %s: %s", f.Severity, where, f.RuleID, f.Message)
	if f.Suggestion != "" {
		line += " Suggestion: " + f.Suggestion
	}
	return line + "\n"
}
