package domain

import "context"

// Uploader transfers a document to the remote upload endpoint and reports
// the per-item lifecycle on a single ordered event stream.
type Uploader interface {
	Upload(ctx context.Context, item UploadItem) <-chan UploadEvent
}

// Indexer is the remote indexing boundary: trigger a run for an uploaded
// document, then poll the returned job handle until it settles.
type Indexer interface {
	TriggerIndex(ctx context.Context, indexID string) (jobID string, err error)
	JobStatus(ctx context.Context, jobID string) (IndexStatus, error)
}

// IndexWaiter blocks until indexing for the given index id reaches a
// terminal status or the attempt ceiling is hit.
type IndexWaiter interface {
	WaitForIndex(ctx context.Context, indexID string) (IndexStatus, error)
}

// UploadRecorder persists the audit trail of upload outcomes.
type UploadRecorder interface {
	RecordUpload(ctx context.Context, rec UploadRecord) error
}
