package models

import "time"

// DocumentVersion is written into the metadata of every new document.
const DocumentVersion = "1.0"

// Document is the persisted state of the consumer: a bounded, ordered log
// of processed records plus summary statistics.
type Document struct {
	Metadata Metadata          `json:"metadata"`
	Messages []ProcessedRecord `json:"messages"`
	Stats    Stats             `json:"stats"`
}

type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	WorkerID  string    `json:"worker_id"`
	Version   string    `json:"version"`
	// Error is set when loading degraded to an empty document.
	Error string `json:"error,omitempty"`
}

type Stats struct {
	TotalMessages int        `json:"total_messages"`
	LastUpdated   *time.Time `json:"last_updated"`
}

// NewDocument returns an empty document owned by workerID.
func NewDocument(workerID string, now time.Time) *Document {
	return &Document{
		Metadata: Metadata{
			CreatedAt: now.UTC(),
			WorkerID:  workerID,
			Version:   DocumentVersion,
		},
		Messages: []ProcessedRecord{},
	}
}
