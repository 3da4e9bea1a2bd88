package imagepipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// auditPayload is the subset of a storage audit event the pipeline reads.
//
// Example (trimmed):
//
//	{
//	  "protoPayload": {
//	    "resourceName": "projects/_/buckets/media/objects/uploads/<userId>/<userImageId>"
//	  }
//	}
type auditPayload struct {
	ProtoPayload struct {
		ResourceName *string `json:"resourceName"`
	} `json:"protoPayload"`
}

// ResolveUpload parses an audit notification payload into a raw upload
// reference. Pure parse, no side effects.
//
// The resource name must follow the grammar
// projects/<project>/buckets/<bucket>/objects/<object>, and the object path
// must follow uploads/<userId>/<userImageId> with both identifiers valid
// UUIDs. Violations yield ErrMalformedPayload, ErrMalformedResource, or
// ErrMalformedPath respectively.
func ResolveUpload(payload []byte) (*UploadRef, error) {
	var event auditPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.ProtoPayload.ResourceName == nil {
		return nil, fmt.Errorf("%w: resource name must be present and be a string", ErrMalformedPayload)
	}

	bucket, objectKey, err := parseResourceName(*event.ProtoPayload.ResourceName)
	if err != nil {
		return nil, err
	}

	userID, userImageID, err := parseUploadKey(objectKey)
	if err != nil {
		return nil, err
	}

	return &UploadRef{
		Bucket:      bucket,
		ObjectKey:   objectKey,
		UserID:      userID,
		UserImageID: userImageID,
	}, nil
}

// parseResourceName splits projects/<project>/buckets/<bucket>/objects/<object>
// into bucket and object key.
func parseResourceName(resourceName string) (bucket, objectKey string, err error) {
	if resourceName == "" {
		return "", "", fmt.Errorf("%w: empty resource name", ErrMalformedResource)
	}
	parts := strings.SplitN(resourceName, "/", 6)
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "buckets" || parts[4] != "objects" {
		return "", "", fmt.Errorf("%w: %s", ErrMalformedResource, resourceName)
	}
	if parts[3] == "" || parts[5] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrMalformedResource, resourceName)
	}
	return parts[3], parts[5], nil
}

// parseUploadKey splits uploads/<userId>/<userImageId> into its identifiers.
func parseUploadKey(objectKey string) (userID, userImageID uuid.UUID, err error) {
	parts := strings.SplitN(objectKey, "/", 3)
	if len(parts) != 3 || parts[0] != rawUploadPrefix {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %s", ErrMalformedPath, objectKey)
	}
	userID, err = uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: invalid user id %q", ErrMalformedPath, parts[1])
	}
	userImageID, err = uuid.Parse(parts[2])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: invalid user image id %q", ErrMalformedPath, parts[2])
	}
	return userID, userImageID, nil
}
