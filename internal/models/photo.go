// Package models provides data model definitions for FieldSync Core.
package models

// Upload status values for photos.
const (
	UploadStatusPending   = "pending"
	UploadStatusUploading = "uploading"
	UploadStatusUploaded  = "uploaded"
)

// Photo represents a captured photo attached to a task. The binary payload
// is synchronized separately from task field data. Photos are immutable
// after capture except for status transitions.
type Photo struct {
	ID         UUID   `db:"id" json:"id"`
	TaskID     UUID   `db:"task_id" json:"task_id"`
	Data       []byte `db:"data" json:"-"`
	CapturedAt int64  `db:"captured_at" json:"captured_at"`

	// Optional geolocation. HasLocation distinguishes a capture at
	// (0, 0) from a capture with no fix.
	Latitude    float64 `db:"latitude" json:"latitude,omitempty"`
	Longitude   float64 `db:"longitude" json:"longitude,omitempty"`
	HasLocation bool    `db:"has_location" json:"has_location"`

	UploadStatus string `db:"upload_status" json:"upload_status"` // pending, uploading, uploaded
	SyncStatus   string `db:"sync_status" json:"sync_status"`     // pending, synced
	CreatedAt    int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Photo.
func (Photo) TableName() string {
	return "photos"
}

// ObjectKey returns the object-store key under which the photo binary is
// uploaded.
func (p *Photo) ObjectKey() string {
	return "photos/" + string(p.TaskID) + "/" + string(p.ID)
}
