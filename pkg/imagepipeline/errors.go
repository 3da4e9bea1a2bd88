package imagepipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Permanent outcomes. A notification failing with one of these is
// acknowledged: redelivery cannot help.
var (
	// ErrMalformedPayload indicates the notification body is not parseable
	// as the expected audit-event shape.
	ErrMalformedPayload = errors.New("malformed notification payload")

	// ErrMalformedResource indicates the resource name does not follow the
	// projects/<project>/buckets/<bucket>/objects/<object> grammar.
	ErrMalformedResource = errors.New("malformed resource name")

	// ErrMalformedPath indicates the object path does not follow the
	// uploads/<userId>/<userImageId> convention.
	ErrMalformedPath = errors.New("malformed upload path")

	// ErrMissingOwnerMetadata indicates the raw object lacks the required
	// owner-supplied metadata.
	ErrMissingOwnerMetadata = errors.New("missing owner metadata")
)

// Lookup and storage errors.
var (
	// ErrObjectNotFound indicates an object does not exist in the store, or
	// has been tombstoned.
	ErrObjectNotFound = errors.New("object not found")

	// ErrObjectExists indicates a copy destination already exists. Promoters
	// treat this as the already-promoted branch, not a failure.
	ErrObjectExists = errors.New("object already exists")

	// ErrCanonicalImageNotFound indicates no canonical image exists for the
	// given hash or id.
	ErrCanonicalImageNotFound = errors.New("canonical image not found")

	// ErrCanonicalImageExists indicates a canonical image row with the same
	// content hash but a different id was committed first. Promoters treat
	// this as losing the promotion race and merge onto the winner's state.
	ErrCanonicalImageExists = errors.New("canonical image already recorded for hash")

	// ErrLinkNotFound indicates no user-image link exists for the given id.
	ErrLinkNotFound = errors.New("user image link not found")

	// ErrJobNotFound indicates no processing job exists for the given
	// (configuration, canonical image) pair.
	ErrJobNotFound = errors.New("processing job not found")

	// ErrUnknownBucket indicates a notification referenced a bucket with no
	// registered object store.
	ErrUnknownBucket = errors.New("no object store registered for bucket")
)

// ErrUnresolvableSize indicates a configuration lacks enough sizing fields to
// determine target dimensions. Isolated to the configuration's job.
var ErrUnresolvableSize = errors.New("cannot resolve target size from configuration")

// StorageError wraps a failed object store operation.
type StorageError struct {
	Bucket string
	Key    string
	Op     string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s in bucket %s: %v", e.Op, e.Key, e.Bucket, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// LinkError wraps a failed user-image link operation.
type LinkError struct {
	LinkID uuid.UUID
	Op     string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link operation %s failed for link %s: %v", e.Op, e.LinkID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// JobError wraps a failed variant generation attempt for one configuration.
type JobError struct {
	ConfigurationID uuid.UUID
	CanonicalID     uuid.UUID
	Err             error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("variant generation failed for configuration %s on image %s: %v", e.ConfigurationID, e.CanonicalID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
