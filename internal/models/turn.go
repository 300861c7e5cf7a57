package models

import (
	"io"
	"time"
)

// Attachment is a just-uploaded file carried by a turn, not yet ingested.
// Open streams its content; Size is the declared length.
type Attachment struct {
	Filename string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// ConversationTurn is the unit the orchestrator processes. It is never persisted.
type ConversationTurn struct {
	ChatID              string
	OwnerID             string
	UserMessage         string
	ExistingDocumentIDs []string
	NewAttachments      []Attachment
	// Audit is set when the client invoked the audit tool explicitly.
	Audit *AuditRequest
}

// MessageRole mirrors the roles the language model understands.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageKind tags assistant messages that carry structured content.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindReport MessageKind = "report"
	KindError  MessageKind = "error"
)

// ChatMessage is a persisted conversation message.
type ChatMessage struct {
	ID        string      `json:"id" firestore:"id"`
	ChatID    string      `json:"chatId" firestore:"chatId"`
	OwnerID   string      `json:"ownerId" firestore:"ownerId"`
	Role      MessageRole `json:"role" firestore:"role"`
	Kind      MessageKind `json:"kind" firestore:"kind"`
	Content   string      `json:"content" firestore:"content"`
	CreatedAt time.Time   `json:"createdAt" firestore:"createdAt"`
}

// TurnState is a state of the per-turn state machine.
type TurnState string

const (
	TurnIngesting  TurnState = "INGESTING"
	TurnRetrieving TurnState = "RETRIEVING"
	TurnGenerating TurnState = "GENERATING"
	TurnPersisting TurnState = "PERSISTING"
	TurnDone       TurnState = "DONE"
	TurnError      TurnState = "ERROR"
)

// TurnEventType classifies events streamed to the client during a turn.
type TurnEventType string

const (
	EventState   TurnEventType = "state"
	EventToken   TurnEventType = "token"
	EventWarning TurnEventType = "warning"
	EventError   TurnEventType = "error"
	EventReport  TurnEventType = "report"
	EventDone    TurnEventType = "done"
)

// TurnEvent is one server-push event of a turn.
type TurnEvent struct {
	Type    TurnEventType `json:"type"`
	State   TurnState     `json:"state,omitempty"`
	Message string        `json:"message,omitempty"`
	Summary *AuditSummary `json:"summary,omitempty"`
}

// TurnResult is what a finished turn leaves behind.
type TurnResult struct {
	State        TurnState
	Reply        string
	DocumentIDs  []string
	Report       *ValidationReport
	Warnings     []string
	PersistError error
}
