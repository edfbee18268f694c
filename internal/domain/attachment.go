package domain

import (
	"io"
	"time"
)

// AttachmentKind distinguishes the two attachment paths: inline images and
// server-side indexed documents.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// UploadState tracks the transfer lifecycle of a single attachment.
type UploadState string

const (
	UploadIdle      UploadState = "idle"
	UploadInFlight  UploadState = "uploading"
	UploadSucceeded UploadState = "succeeded"
	UploadFailed    UploadState = "failed"
)

// Attachment is the single optional attachment of a composition cycle.
// At most one is held at a time; selecting a new one replaces the previous.
type Attachment struct {
	Kind    AttachmentKind
	Name    string
	Payload string // encoded inline image data; empty for documents
	IndexID string // document kind only, set once the upload succeeds
	State   UploadState
}

// PendingMessage is the in-progress text plus its optional attachment.
// It exists only in memory and is never persisted.
type PendingMessage struct {
	Text       string
	Attachment *Attachment
}

// IndexStatus is the resolution state of a server-side indexing run.
type IndexStatus string

const (
	IndexPending          IndexStatus = "pending"
	IndexSuccess          IndexStatus = "success"
	IndexTransientFailure IndexStatus = "transientFailure"
	IndexExhausted        IndexStatus = "exhausted"
)

// Terminal reports whether the status ends the polling loop.
func (s IndexStatus) Terminal() bool {
	return s == IndexSuccess || s == IndexTransientFailure || s == IndexExhausted
}

// IndexingJob is an outstanding request to make an uploaded document searchable.
type IndexingJob struct {
	IndexID           string
	JobID             string
	PollInterval      time.Duration
	AttemptsRemaining int
	Status            IndexStatus
}

// UploadItem is one file handed to the upload channel.
type UploadItem struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	Data     io.Reader
}

// UploadEventType orders the per-item transfer lifecycle: one Started,
// then exactly one of Errored or Finished.
type UploadEventType string

const (
	UploadStarted  UploadEventType = "start"
	UploadErrored  UploadEventType = "error"
	UploadFinished UploadEventType = "finish"
)

// UploadEvent is a transient notification consumed immediately by the
// controller; it is not retained.
type UploadEvent struct {
	Type   UploadEventType
	ItemID string
	Err    string        // Errored only: user-visible message
	Result *UploadResult // Finished only
}

// UploadResult is the HTTP 200 payload of the upload endpoint.
type UploadResult struct {
	ConversationID string `json:"conversation_id"`
	IndexID        string `json:"index_id"`
	DocumentName   string `json:"document_name"`
}

// UploadRecord is the audit entry written for every terminal upload
// outcome (finished, failed, or rejected pre-flight).
type UploadRecord struct {
	ItemID       string
	SessionID    string
	DocumentName string
	Size         int64
	IndexID      string
	Outcome      string
	Error        string
	CreatedAt    time.Time
}
