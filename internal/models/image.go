// Package models defines the domain types for rhizocam.
package models

import "time"

// ImageRecord is one camera image ingested from the S3I broker.
// Rows are append-only: created once per MessageIdentifier, never updated or deleted.
type ImageRecord struct {
	MessageIdentifier string    `json:"messageIdentifier"`
	CameraIdentifier  string    `json:"cameraIdentifier"`
	TakenAt           time.Time `json:"takenAt"`
	SentAt            time.Time `json:"sentAt"`
	ReceivedAt        time.Time `json:"receivedAt"`
	Path              string    `json:"path"`
	RhizotronNumber   int       `json:"rhizotronNumber"`
	SourcePath        string    `json:"sourcePath,omitempty"`
}

// CausallyOrdered reports whether TakenAt <= SentAt <= ReceivedAt.
func (r *ImageRecord) CausallyOrdered() bool {
	return !r.SentAt.Before(r.TakenAt) && !r.ReceivedAt.Before(r.SentAt)
}

// ImageFilter narrows image listings.
type ImageFilter struct {
	CameraIdentifier string
	Limit            int
	Offset           int
}
