package imagepipeline

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// ObjectStore defines the narrow object storage capability the pipeline
// consumes: direct get/put, server-side copy, delete, and metadata reads.
type ObjectStore interface {
	// Download returns a reader over the object's bytes. Returns
	// ErrObjectNotFound when the object does not exist.
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Upload writes an object with the given parameters, overwriting any
	// existing object at the key.
	Upload(ctx context.Context, reader io.Reader, params UploadParams) error

	// Copy performs a server-side copy of an existing object to a new key,
	// replacing the destination's content type and metadata. Returns
	// ErrObjectExists when the destination already exists, and
	// ErrObjectNotFound when the source does not.
	Copy(ctx context.Context, params CopyParams) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object. Returns
	// ErrObjectNotFound for missing or tombstoned objects. ETag carries the
	// hex md5 content hash.
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)

	// GetUploadURL returns a URL a client can PUT the object to. Stores
	// without URL support return an empty string and no error.
	GetUploadURL(ctx context.Context, objectKey string) (string, error)
}

// UploadParams contains parameters for writing an object.
type UploadParams struct {
	ObjectKey string
	MimeType  string
	Metadata  map[string]string
}

// CopyParams contains parameters for a server-side copy.
type CopyParams struct {
	SourceKey string
	DestKey   string
	MimeType  string
	Metadata  map[string]string
}

// ObjectMeta contains metadata about an object in storage.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	CreatedAt   time.Time
	ETag        string
	Metadata    map[string]string
}

// Repository defines the durable-store operations the pipeline consumes.
// Entities are treated as immutable snapshots; updates write back whole
// values.
type Repository interface {
	// Canonical image operations
	GetCanonicalImageByHash(ctx context.Context, hash string) (*CanonicalImage, error)
	GetCanonicalImage(ctx context.Context, id uuid.UUID) (*CanonicalImage, error)
	SaveCanonicalImage(ctx context.Context, img *CanonicalImage) error

	// User-image link operations
	GetUserImageLink(ctx context.Context, id uuid.UUID) (*UserImageLink, error)
	SaveUserImageLink(ctx context.Context, link *UserImageLink) error
	// UpdateUserImageLinkStatus sets the link's status and, when canonicalID
	// is non-nil, resolves the link to that canonical image.
	UpdateUserImageLinkStatus(ctx context.Context, id uuid.UUID, status ImageStatus, canonicalID *uuid.UUID) error

	// Generated image operations
	SaveGeneratedImage(ctx context.Context, img *GeneratedImage) error
	// HasGeneratedImage reports whether a variant with the given content
	// hash has already been recorded.
	HasGeneratedImage(ctx context.Context, hash string) (bool, error)

	// Configuration operations
	// ListUnprocessedConfigurations returns all configurations with no
	// completed generated image for the canonical image.
	ListUnprocessedConfigurations(ctx context.Context, canonicalID uuid.UUID) ([]*ProcessingConfiguration, error)
	SaveConfiguration(ctx context.Context, cfg *ProcessingConfiguration) error

	// Processing job operations, keyed by (configuration, canonical) pair.
	GetJob(ctx context.Context, configurationID, canonicalID uuid.UUID) (*ProcessingJob, error)
	SaveJob(ctx context.Context, job *ProcessingJob) error
	UpdateJob(ctx context.Context, jobID uuid.UUID, status JobStatus, remark string, endedAt time.Time) error
	RemoveJob(ctx context.Context, configurationID, canonicalID uuid.UUID) error
}

// AckHandle is the acknowledgment capability attached to one notification.
// Exactly one of Ack or Reject must be invoked per notification; omitting
// both leaves the message for broker-timed redelivery.
type AckHandle interface {
	// Ack marks the notification handled; it will not be redelivered.
	Ack(ctx context.Context) error

	// Reject requests redelivery of the notification.
	Reject(ctx context.Context) error
}

// Service is the pipeline's public surface.
type Service interface {
	// HandleNotification processes one inbound upload notification and
	// invokes exactly one of ack.Ack or ack.Reject. The returned error
	// reports the handling outcome for logging; a non-nil error does not
	// imply the message was rejected.
	HandleNotification(ctx context.Context, payload []byte, ack AckHandle) error

	// ProcessPendingJobs drives variant generation for every configuration
	// that has no completed variant for the canonical image.
	ProcessPendingJobs(ctx context.Context, bucket string, canonicalID uuid.UUID) error

	// RegisterUpload mints pending user-image links for the given file names
	// and returns the object keys (and upload URLs when available) clients
	// must upload to.
	RegisterUpload(ctx context.Context, bucket string, userID uuid.UUID, fileNames []string) ([]RegisteredUpload, error)
}
