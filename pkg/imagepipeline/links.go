package imagepipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RegisterUpload mints one pending user-image link per file name and returns
// the raw object key each client must upload to, together with an upload URL
// when the object store can issue one.
//
// The uploading client is expected to attach the display file name to the
// object as the fileName metadata entry; the pipeline rejects raw objects
// without it. Links not resolved before their expiry are marked EXPIRED when
// their notification arrives.
func (p *pipeline) RegisterUpload(ctx context.Context, bucket string, userID uuid.UUID, fileNames []string) ([]RegisteredUpload, error) {
	if len(fileNames) == 0 {
		return nil, nil
	}
	store, err := p.store(bucket)
	if err != nil {
		return nil, err
	}

	now := p.now()
	expiresAt := now.Add(p.linkTTL)
	uploads := make([]RegisteredUpload, 0, len(fileNames))
	for _, fileName := range fileNames {
		link := &UserImageLink{
			ID:        uuid.New(),
			UserID:    userID,
			FileName:  fileName,
			Status:    ImageStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiredAt: &expiresAt,
		}
		if err := p.repository.SaveUserImageLink(ctx, link); err != nil {
			return nil, &LinkError{LinkID: link.ID, Op: "register", Err: err}
		}

		objectKey := RawUploadKey(userID, link.ID)
		uploadURL, err := store.GetUploadURL(ctx, objectKey)
		if err != nil {
			return nil, fmt.Errorf("issuing upload url for %s: %w", objectKey, err)
		}

		uploads = append(uploads, RegisteredUpload{
			UserImageID: link.ID,
			FileName:    fileName,
			ObjectKey:   objectKey,
			UploadURL:   uploadURL,
			ExpiresAt:   expiresAt,
		})
	}
	return uploads, nil
}
