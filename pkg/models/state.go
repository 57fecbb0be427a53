package models

import "time"

// CheckpointVersion is bumped when the on-disk checkpoint layout changes.
const CheckpointVersion = 1

type Checkpoint struct {
	Version        int         `json:"version"`
	Target         string      `json:"target"`
	Kind           RecordKind  `json:"kind"`
	Window         CrawlWindow `json:"window"`
	LastCursor     Cursor      `json:"last_cursor"`
	OldestSeen     int64       `json:"oldest_seen,omitempty"`
	SeenIDs        []string    `json:"seen_ids"`
	PagesCommitted int         `json:"pages_committed"`
	Complete       bool        `json:"complete"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type AssetStatus string

const (
	AssetPending    AssetStatus = "pending"
	AssetDownloaded AssetStatus = "downloaded"
	AssetFailed     AssetStatus = "failed"
	AssetSkipped    AssetStatus = "skipped"
)

type MediaAsset struct {
	SourceRecordID  string      `json:"source_record_id"`
	MediaRef        string      `json:"media_ref,omitempty"`
	Domain          string      `json:"domain,omitempty"`
	SourceURL       string      `json:"source_url,omitempty"`
	DestinationPath string      `json:"destination_path,omitempty"`
	Status          AssetStatus `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	Error           string      `json:"error,omitempty"`
	Bytes           int64       `json:"bytes,omitempty"`
	Attempts        int         `json:"attempts,omitempty"`
	Title           string      `json:"title,omitempty"`
	Flair           string      `json:"flair,omitempty"`
}
