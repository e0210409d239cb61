package domain

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// OperationType partitions the DLQ by the pipeline step that failed. Each
// type has its own directory and its own replay procedure.
type OperationType string

const (
	OpMailFetch      OperationType = "mail_fetch"
	OpLLMExtract     OperationType = "llm_extract"
	OpWorkspaceWrite OperationType = "workspace_write"
	OpSecretFetch    OperationType = "secret_fetch"
)

// ValidOperationType reports whether s names a known DLQ partition.
func ValidOperationType(s string) bool {
	switch OperationType(s) {
	case OpMailFetch, OpLLMExtract, OpWorkspaceWrite, OpSecretFetch:
		return true
	}
	return false
}

// DLQStatus is the replay lifecycle of one entry.
type DLQStatus string

const (
	DLQPending   DLQStatus = "pending"
	DLQReplaying DLQStatus = "replaying"
	DLQCompleted DLQStatus = "completed"
	DLQFailed    DLQStatus = "failed"
)

// DLQErrorDetails captures the classified error that parked the entry.
type DLQErrorDetails struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// DLQEntry is one parked operation, persisted as a single JSON file under
// data/dlq/{operation_type}/{dlq_id}.json.
type DLQEntry struct {
	DLQID           string          `json:"dlq_id"`
	MessageID       string          `json:"message_id"`
	OperationType   OperationType   `json:"operation_type"`
	Status          DLQStatus       `json:"status"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	ErrorDetails    DLQErrorDetails `json:"error_details"`
	CreatedAt       time.Time       `json:"created_at"`
	LastAttemptAt   time.Time       `json:"last_attempt_at"`
	ReplayedAt      *time.Time      `json:"replayed_at,omitempty"`
	Processed       bool            `json:"processed"`
}

// NewDLQID builds the canonical id: dlq_{timestamp}_{message_id}. The
// timestamp keeps sibling files sortable by creation; the message id makes
// the entry traceable back to its email.
func NewDLQID(at time.Time, messageID string) string {
	return fmt.Sprintf("dlq_%s_%s", at.UTC().Format("20060102T150405"), messageID)
}

// WorkspaceWritePayload is the original_payload of a workspace_write entry.
// Properties carry the fully mapped page payload, so replay needs no
// re-extraction. PageID is set when the failed call was an in-place update.
type WorkspaceWritePayload struct {
	MessageID  string         `json:"message_id"`
	PageID     string         `json:"page_id,omitempty"`
	Properties map[string]any `json:"properties"`
}

// LLMExtractPayload is the original_payload of an llm_extract entry. Replay
// reruns the whole pipeline from the normalized body.
type LLMExtractPayload struct {
	MessageID  string    `json:"message_id"`
	BodyText   string    `json:"body_text"`
	ReceivedAt time.Time `json:"received_at"`
	Strategy   string    `json:"strategy,omitempty"`
}

// MailFetchPayload is the original_payload of a mail_fetch entry. It records
// the cursor at failure time so replay can refetch the same window.
type MailFetchPayload struct {
	AfterMessageID string `json:"after_message_id"`
}

// SecretFetchPayload is the original_payload of a secret_fetch entry. Replay
// probes the key to confirm access is restored.
type SecretFetchPayload struct {
	Key string `json:"key"`
}
