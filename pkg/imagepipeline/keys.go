package imagepipeline

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Object path conventions shared by the uploader and the pipeline.
const (
	rawUploadPrefix = "uploads"
	canonicalPrefix = "uploaded"
	variantPrefix   = "thumbnails"
)

// Metadata keys written on raw, promoted, and derived objects.
const (
	MetaWidth           = "width"
	MetaHeight          = "height"
	MetaExt             = "ext"
	MetaMimeType        = "mimeType"
	MetaFileName        = "fileName"
	MetaFileID          = "fileId"
	MetaOriginalID      = "originalId"
	MetaConfigurationID = "configurationId"
)

// RawUploadKey returns the staging key a client uploads to.
func RawUploadKey(userID, userImageID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s", rawUploadPrefix, userID, userImageID)
}

// CanonicalKey returns the content-addressed key of a promoted image.
func CanonicalKey(canonicalID uuid.UUID) string {
	return fmt.Sprintf("%s/%s", canonicalPrefix, canonicalID)
}

// VariantKey returns the key of a derived variant object.
func VariantKey(canonicalID, configurationID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s", variantPrefix, canonicalID, configurationID)
}

// metaValue reads a metadata entry regardless of key casing. Stores may
// canonicalize user metadata keys (S3 lowercases them), so an exact-key miss
// falls back to a case-insensitive scan.
func metaValue(metadata map[string]string, key string) string {
	if v, ok := metadata[key]; ok {
		return v
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// storagePath renders the durable path recorded on rows, qualified with the
// bucket the object lives in.
func storagePath(bucket, objectKey string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, objectKey)
}
