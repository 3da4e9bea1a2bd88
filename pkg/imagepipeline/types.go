package imagepipeline

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ImageStatus is the domain type for image and link lifecycle states.
type ImageStatus string

// Image status constants (typed).
const (
	ImageStatusPending  ImageStatus = "pending"
	ImageStatusUploaded ImageStatus = "uploaded"
	ImageStatusInvalid  ImageStatus = "invalid"
	ImageStatusExpired  ImageStatus = "expired"
)

// JobStatus is the domain type for processing job states.
type JobStatus string

// Job status constants (typed).
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// CanonicalImage is the single deduplicated record for a given byte content.
// One row exists per distinct content hash; the ID is the stable identity
// used in canonical storage paths. Treated as an immutable snapshot: updates
// are new values written back through the Repository.
type CanonicalImage struct {
	ID          uuid.UUID   `json:"id"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	ByteSize    int64       `json:"byte_size"`
	StoragePath string      `json:"storage_path"`
	MimeType    string      `json:"mime_type"`
	Hash        string      `json:"hash"`
	Status      ImageStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// UserImageLink represents one user's upload event for a logical image. Many
// links may point at the same CanonicalImage once resolved; CanonicalID stays
// nil until resolution.
type UserImageLink struct {
	ID          uuid.UUID   `json:"id"`
	UserID      uuid.UUID   `json:"user_id"`
	CanonicalID *uuid.UUID  `json:"canonical_id,omitempty"`
	FileName    string      `json:"file_name"`
	Status      ImageStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
	ExpiredAt   *time.Time  `json:"expired_at,omitempty"`
}

// Expired reports whether the link's upload window has passed at the given
// instant. Links without an expiry never expire.
func (l *UserImageLink) Expired(now time.Time) bool {
	return l.ExpiredAt != nil && now.After(*l.ExpiredAt)
}

// ProcessingConfiguration is a named output recipe applied to produce a derived
// variant. Immutable reference data; the pipeline never mutates it.
//
// Width/Height may each be absent. Scale is mutually exclusive with explicit
// dimensions. OutputMimeType/OutputExt override the source's encoding when
// set. Quality applies to JPEG output only.
type ProcessingConfiguration struct {
	ID             uuid.UUID        `json:"id"`
	Width          *int             `json:"width,omitempty"`
	Height         *int             `json:"height,omitempty"`
	Scale          *decimal.Decimal `json:"scale,omitempty"`
	KeepRatio      bool             `json:"keep_ratio"`
	Quality        *int             `json:"quality,omitempty"`
	Description    string           `json:"description,omitempty"`
	OutputMimeType *string          `json:"output_mime_type,omitempty"`
	OutputExt      *string          `json:"output_ext,omitempty"`
}

// GeneratedImage records one successfully produced derived variant. At most
// one exists per (CanonicalImage, ProcessingConfiguration) pair.
type GeneratedImage struct {
	ID              uuid.UUID `json:"id"`
	CanonicalID     uuid.UUID `json:"canonical_id"`
	ConfigurationID uuid.UUID `json:"configuration_id"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	ByteSize        int64     `json:"byte_size"`
	StoragePath     string    `json:"storage_path"`
	MimeType        string    `json:"mime_type"`
	Hash            string    `json:"hash"`
	CreatedAt       time.Time `json:"created_at"`
}

// ProcessingJob is the transient execution record for one variant generation
// attempt. Prior terminal rows for the same (configuration, canonical) pair
// are removed each time the configuration is re-attempted.
type ProcessingJob struct {
	ID              uuid.UUID  `json:"id"`
	CanonicalID     uuid.UUID  `json:"canonical_id"`
	ConfigurationID uuid.UUID  `json:"configuration_id"`
	Status          JobStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Remark          string     `json:"remark,omitempty"`
}

// UploadRef identifies a raw uploaded object resolved from a notification.
type UploadRef struct {
	Bucket      string
	ObjectKey   string
	UserID      uuid.UUID
	UserImageID uuid.UUID
}

// RegisteredUpload is the outcome of registering one pending upload: the
// minted logical image id, the raw object key the client must upload to, and
// an upload URL when the object store can issue one.
type RegisteredUpload struct {
	UserImageID uuid.UUID `json:"user_image_id"`
	FileName    string    `json:"file_name"`
	ObjectKey   string    `json:"object_key"`
	UploadURL   string    `json:"upload_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}
