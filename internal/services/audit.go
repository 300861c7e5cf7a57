package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentauditflow/internal/auditors"
	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/Lllllllleong/documentauditflow/internal/registry"
)

// DocumentSource is the read side of the ingestion pipeline.
type DocumentSource interface {
	Document(ctx context.Context, documentID string) (*models.Document, error)
	ReadyText(ctx context.Context, documentID string) (*models.ExtractedText, error)
	Images(ctx context.Context, documentID string) ([]models.PageImage, error)
}

// AuditConfig bounds one audit invocation.
type AuditConfig struct {
	Timeout      time.Duration
	ReportTokens int
}

// AuditService resolves a policy for a document, validates it and stores
// the immutable report.
type AuditService struct {
	docs        DocumentSource
	policies    *PolicyRegistry
	coordinator *Coordinator
	reports     registry.ReportStore
	cfg         AuditConfig
}

// NewAuditService wires the audit path.
func NewAuditService(docs DocumentSource, policies *PolicyRegistry, coordinator *Coordinator, reports registry.ReportStore, cfg AuditConfig) *AuditService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.ReportTokens <= 0 {
		cfg.ReportTokens = DefaultReportTokens
	}
	return &AuditService{docs: docs, policies: policies, coordinator: coordinator, reports: reports, cfg: cfg}
}

// AuditResult is a stored report with its rendered message.
type AuditResult struct {
	Document *models.Document
	Report   *models.ValidationReport
	Message  string
}

// Response is the tool-invocation form of the result.
func (r *AuditResult) Response() *models.AuditResponse {
	return &models.AuditResponse{Message: r.Message, Summary: r.Report.Summarize()}
}

// Audit runs the policy ref names against a READY document owned by ownerID.
func (s *AuditService) Audit(ctx context.Context, ownerID, documentID string, ref models.PolicyRef) (*AuditResult, error) {
	logCtx := slog.With("documentId", documentID, "ownerId", ownerID, "policy", ref.String())

	doc, err := s.docs.Document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != ownerID {
		return nil, models.NewError(models.CodeNotFound, nil, "document %s not found", documentID)
	}
	text, err := s.docs.ReadyText(ctx, documentID)
	if err != nil {
		return nil, err
	}
	policy, det, err := s.policies.Resolve(ref, text.Text)
	if err != nil {
		return nil, err
	}
	if det.Fallback {
		logCtx.Info("No policy signature matched, using the default policy.", "defaultPolicy", det.PolicyID)
	}
	if auditors.NeedImages(policy.EnabledIDs()) {
		images, err := s.docs.Images(ctx, documentID)
		if err != nil {
			logCtx.Warn("Failed to load document images, image checks will be skipped.", "error", err)
		}
		withImages := *text
		withImages.Images = images
		text = &withImages
	}

	auditCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	report, err := s.coordinator.Validate(auditCtx, doc, text, policy, det)
	if err != nil {
		return nil, err
	}

	if err := s.reports.SaveReport(ctx, report); err != nil {
		logCtx.Error("Failed to save validation report.", "error", err)
		return nil, models.NewError(models.CodeStorageError, err, "failed to save report")
	}
	logCtx.Info("Audit complete.", "reportId", report.ID, "policyId", report.PolicyID, "verdict", report.Verdict)

	return &AuditResult{
		Document: doc,
		Report:   report,
		Message:  FormatReport(report, doc.Filename, s.cfg.ReportTokens),
	}, nil
}

// Report fetches a stored report owned by ownerID.
func (s *AuditService) Report(ctx context.Context, ownerID, reportID string) (*models.ValidationReport, error) {
	report, err := s.reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.OwnerID != ownerID {
		return nil, models.NewError(models.CodeNotFound, nil, "report %s not found", reportID)
	}
	return report, nil
}
