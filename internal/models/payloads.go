package models

import "time"

// These structs define the JSON payloads exchanged between the chat API,
// the extraction worker and the Cloud Workflow that may sit between them.

// ExtractRequest is the input for the extractor function.
type ExtractRequest struct {
	DocumentID  string `json:"documentId"`
	ExecutionID string `json:"executionId,omitempty"`
}

// ExtractResponse is the output of the extractor function.
type ExtractResponse struct {
	Status    DocumentStatus `json:"status"`
	PageCount int            `json:"pageCount"`
	ErrorCode ErrorCode      `json:"errorCode,omitempty"`
}

// AuditRequest is the explicit tool invocation form of an audit trigger.
type AuditRequest struct {
	ChatID     string `json:"chatId,omitempty"`
	DocumentID string `json:"document_id"`
	PolicyID   string `json:"policy_id"`
}

// AuditResponse carries the formatted report and its machine summary.
type AuditResponse struct {
	Message string       `json:"message"`
	Summary AuditSummary `json:"summary"`
}

// Phase of a document's progress stream.
type Phase string

const (
	PhaseUpload  Phase = "UPLOAD"
	PhaseExtract Phase = "EXTRACT"
	PhaseReady   Phase = "READY"
	PhaseFailed  Phase = "FAILED"
)

// IsTerminal reports whether the phase ends the progress stream.
func (p Phase) IsTerminal() bool {
	return p == PhaseReady || p == PhaseFailed
}

// ProgressEvent is one entry on a document's progress stream.
type ProgressEvent struct {
	DocumentID string         `json:"documentId"`
	Phase      Phase          `json:"phase"`
	Status     DocumentStatus `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}
