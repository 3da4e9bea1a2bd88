package imagepipeline_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
	repomem "github.com/tendant/image-pipeline/pkg/imagepipeline/repo/memory"
	storemem "github.com/tendant/image-pipeline/pkg/imagepipeline/storage/memory"
)

const testBucket = "media"

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeAck struct {
	acked    int
	rejected int
}

func (a *fakeAck) Ack(ctx context.Context) error    { a.acked++; return nil }
func (a *fakeAck) Reject(ctx context.Context) error { a.rejected++; return nil }

type pipelineEnv struct {
	repo    *repomem.Repository
	store   *storemem.Store
	service imagepipeline.Service
}

func newPipelineEnv(t *testing.T, extra ...imagepipeline.Option) *pipelineEnv {
	t.Helper()
	env := &pipelineEnv{
		repo:  repomem.New(),
		store: storemem.New(),
	}
	options := append([]imagepipeline.Option{
		imagepipeline.WithRepository(env.repo),
		imagepipeline.WithObjectStore(testBucket, env.store),
		imagepipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		imagepipeline.WithClock(func() time.Time { return fixedNow }),
	}, extra...)
	service, err := imagepipeline.New(options...)
	require.NoError(t, err)
	env.service = service
	return env
}

// seedUpload registers a pending link, stages the raw object with fileName
// metadata, and returns the matching notification payload.
func (e *pipelineEnv) seedUpload(t *testing.T, userID, userImageID uuid.UUID, data []byte, fileName string) []byte {
	t.Helper()
	ctx := context.Background()
	expires := fixedNow.Add(10 * time.Minute)
	require.NoError(t, e.repo.SaveUserImageLink(ctx, &imagepipeline.UserImageLink{
		ID:        userImageID,
		UserID:    userID,
		FileName:  fileName,
		Status:    imagepipeline.ImageStatusPending,
		CreatedAt: fixedNow,
		UpdatedAt: fixedNow,
		ExpiredAt: &expires,
	}))

	key := imagepipeline.RawUploadKey(userID, userImageID)
	meta := map[string]string{}
	if fileName != "" {
		meta[imagepipeline.MetaFileName] = fileName
	}
	require.NoError(t, e.store.Upload(ctx, bytes.NewReader(data), imagepipeline.UploadParams{
		ObjectKey: key,
		MimeType:  "application/octet-stream",
		Metadata:  meta,
	}))
	return notificationPayload(userID, userImageID)
}

func notificationPayload(userID, userImageID uuid.UUID) []byte {
	return auditPayload(fmt.Sprintf("projects/_/buckets/%s/objects/%s",
		testBucket, imagepipeline.RawUploadKey(userID, userImageID)))
}

func (e *pipelineEnv) objectExists(t *testing.T, key string) bool {
	t.Helper()
	_, err := e.store.GetObjectMeta(context.Background(), key)
	if errors.Is(err, imagepipeline.ErrObjectNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestHandleNotificationMalformedPayloadAcks(t *testing.T) {
	env := newPipelineEnv(t)
	ack := &fakeAck{}

	err := env.service.HandleNotification(context.Background(), []byte("not json"), ack)
	assert.ErrorIs(t, err, imagepipeline.ErrMalformedPayload)
	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 0, ack.rejected)
}

func TestHandleNotificationUnknownBucketRejects(t *testing.T) {
	env := newPipelineEnv(t)
	ack := &fakeAck{}

	payload := auditPayload(fmt.Sprintf("projects/_/buckets/other/objects/uploads/%s/%s",
		uuid.New(), uuid.New()))
	err := env.service.HandleNotification(context.Background(), payload, ack)
	assert.ErrorIs(t, err, imagepipeline.ErrUnknownBucket)
	assert.Equal(t, 0, ack.acked)
	assert.Equal(t, 1, ack.rejected)
}

func TestHandleNotificationHappyPath(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()
	data := pngBytes(t, 40, 20)

	require.NoError(t, env.repo.SaveConfiguration(ctx, &imagepipeline.ProcessingConfiguration{
		ID:        uuid.New(),
		Height:    intPtr(10),
		KeepRatio: true,
	}))

	payload := env.seedUpload(t, userID, userImageID, data, "cat.png")
	ack := &fakeAck{}
	require.NoError(t, env.service.HandleNotification(ctx, payload, ack))
	assert.Equal(t, 1, ack.acked)

	// Raw object promoted and removed from staging.
	assert.False(t, env.objectExists(t, imagepipeline.RawUploadKey(userID, userImageID)))

	sum := md5.Sum(data)
	canonical, err := env.repo.GetCanonicalImageByHash(ctx, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusUploaded, canonical.Status)
	assert.Equal(t, 40, canonical.Width)
	assert.Equal(t, 20, canonical.Height)
	assert.Equal(t, int64(len(data)), canonical.ByteSize)
	assert.True(t, env.objectExists(t, imagepipeline.CanonicalKey(canonical.ID)))

	link, err := env.repo.GetUserImageLink(ctx, userImageID)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusUploaded, link.Status)
	require.NotNil(t, link.CanonicalID)
	assert.Equal(t, canonical.ID, *link.CanonicalID)

	// Variant generated for the registered configuration.
	pending, err := env.repo.ListUnprocessedConfigurations(ctx, canonical.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandleNotificationDuplicateContentReusesCanonical(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	data := pngBytes(t, 40, 20)

	firstUser, firstLink := uuid.New(), uuid.New()
	payload := env.seedUpload(t, firstUser, firstLink, data, "one.png")
	require.NoError(t, env.service.HandleNotification(ctx, payload, &fakeAck{}))

	sum := md5.Sum(data)
	canonical, err := env.repo.GetCanonicalImageByHash(ctx, hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	// Second upload of identical bytes by another user: no second promotion,
	// no second row, second link resolves to the same canonical image.
	secondUser, secondLink := uuid.New(), uuid.New()
	payload = env.seedUpload(t, secondUser, secondLink, data, "two.png")
	ack := &fakeAck{}
	require.NoError(t, env.service.HandleNotification(ctx, payload, ack))
	assert.Equal(t, 1, ack.acked)

	assert.False(t, env.objectExists(t, imagepipeline.RawUploadKey(secondUser, secondLink)))
	link, err := env.repo.GetUserImageLink(ctx, secondLink)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusUploaded, link.Status)
	require.NotNil(t, link.CanonicalID)
	assert.Equal(t, canonical.ID, *link.CanonicalID)
}

func TestHandleNotificationRedeliveryIsIdempotent(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()
	data := pngBytes(t, 40, 20)

	payload := env.seedUpload(t, userID, userImageID, data, "cat.png")
	require.NoError(t, env.service.HandleNotification(ctx, payload, &fakeAck{}))

	sum := md5.Sum(data)
	canonical, err := env.repo.GetCanonicalImageByHash(ctx, hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	// Redelivery after the raw object is gone takes the deleted-at-source
	// path: acknowledged, no second canonical row, no second promotion.
	ack := &fakeAck{}
	require.NoError(t, env.service.HandleNotification(ctx, payload, ack))
	assert.Equal(t, 1, ack.acked)

	again, err := env.repo.GetCanonicalImageByHash(ctx, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, again.ID)
	assert.True(t, env.objectExists(t, imagepipeline.CanonicalKey(canonical.ID)))
}

func TestHandleNotificationDeletedSourceExpiresLink(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()

	expires := fixedNow.Add(10 * time.Minute)
	require.NoError(t, env.repo.SaveUserImageLink(ctx, &imagepipeline.UserImageLink{
		ID:        userImageID,
		UserID:    userID,
		Status:    imagepipeline.ImageStatusPending,
		ExpiredAt: &expires,
	}))

	ack := &fakeAck{}
	require.NoError(t, env.service.HandleNotification(ctx, notificationPayload(userID, userImageID), ack))
	assert.Equal(t, 1, ack.acked)

	link, err := env.repo.GetUserImageLink(ctx, userImageID)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusExpired, link.Status)
}

func TestHandleNotificationExpiredLink(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()
	data := pngBytes(t, 40, 20)

	payload := env.seedUpload(t, userID, userImageID, data, "late.png")

	// Backdate the link's expiry past the fixed clock.
	expired := fixedNow.Add(-time.Minute)
	require.NoError(t, env.repo.SaveUserImageLink(ctx, &imagepipeline.UserImageLink{
		ID:        userImageID,
		UserID:    userID,
		FileName:  "late.png",
		Status:    imagepipeline.ImageStatusPending,
		ExpiredAt: &expired,
	}))

	ack := &fakeAck{}
	require.NoError(t, env.service.HandleNotification(ctx, payload, ack))
	assert.Equal(t, 1, ack.acked)

	assert.False(t, env.objectExists(t, imagepipeline.RawUploadKey(userID, userImageID)))
	link, err := env.repo.GetUserImageLink(ctx, userImageID)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusExpired, link.Status)

	sum := md5.Sum(data)
	_, err = env.repo.GetCanonicalImageByHash(ctx, hex.EncodeToString(sum[:]))
	assert.ErrorIs(t, err, imagepipeline.ErrCanonicalImageNotFound)
}

func TestHandleNotificationNonImage(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	data := []byte("plain text, definitely not pixels")
	sum := md5.Sum(data)
	hash := hex.EncodeToString(sum[:])

	userID, userImageID := uuid.New(), uuid.New()
	payload := env.seedUpload(t, userID, userImageID, data, "notes.txt")
	ack := &fakeAck{}
	require.NoError(t, env.service.HandleNotification(ctx, payload, ack))
	assert.Equal(t, 1, ack.acked)

	assert.False(t, env.objectExists(t, imagepipeline.RawUploadKey(userID, userImageID)))
	link, err := env.repo.GetUserImageLink(ctx, userImageID)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusInvalid, link.Status)
	assert.Nil(t, link.CanonicalID)

	invalid, err := env.repo.GetCanonicalImageByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusInvalid, invalid.Status)

	// Same bytes again: the known-invalid hash short-circuits before
	// classification, the new upload is dropped without re-reading it.
	otherUser, otherLink := uuid.New(), uuid.New()
	payload = env.seedUpload(t, otherUser, otherLink, data, "notes-again.txt")
	ack = &fakeAck{}
	require.NoError(t, env.service.HandleNotification(ctx, payload, ack))
	assert.Equal(t, 1, ack.acked)
	assert.False(t, env.objectExists(t, imagepipeline.RawUploadKey(otherUser, otherLink)))
	link, err = env.repo.GetUserImageLink(ctx, otherLink)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusInvalid, link.Status)
}

func TestHandleNotificationLowercasedMetadataKey(t *testing.T) {
	// S3 canonicalizes user metadata keys to lowercase, so the raw object
	// arrives with "filename", not "fileName". The owner check must still
	// find it instead of dropping the upload.
	env := newPipelineEnv(t)
	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()
	data := pngBytes(t, 8, 8)

	expires := fixedNow.Add(10 * time.Minute)
	require.NoError(t, env.repo.SaveUserImageLink(ctx, &imagepipeline.UserImageLink{
		ID:        userImageID,
		UserID:    userID,
		FileName:  "cat.png",
		Status:    imagepipeline.ImageStatusPending,
		ExpiredAt: &expires,
	}))
	key := imagepipeline.RawUploadKey(userID, userImageID)
	require.NoError(t, env.store.Upload(ctx, bytes.NewReader(data), imagepipeline.UploadParams{
		ObjectKey: key,
		MimeType:  "image/png",
		Metadata:  map[string]string{"filename": "cat.png"},
	}))

	ack := &fakeAck{}
	require.NoError(t, env.service.HandleNotification(ctx, notificationPayload(userID, userImageID), ack))
	assert.Equal(t, 1, ack.acked)

	link, err := env.repo.GetUserImageLink(ctx, userImageID)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusUploaded, link.Status)
	require.NotNil(t, link.CanonicalID)
	assert.True(t, env.objectExists(t, imagepipeline.CanonicalKey(*link.CanonicalID)))
}

func TestHandleNotificationMissingFileNameMetadata(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()

	// Raw object staged with no fileName metadata entry.
	payload := env.seedUpload(t, userID, userImageID, pngBytes(t, 4, 4), "")

	ack := &fakeAck{}
	err := env.service.HandleNotification(ctx, payload, ack)
	assert.ErrorIs(t, err, imagepipeline.ErrMissingOwnerMetadata)
	assert.Equal(t, 1, ack.acked)
	assert.False(t, env.objectExists(t, imagepipeline.RawUploadKey(userID, userImageID)))
}

func TestHandleNotificationUnregisteredLink(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()

	// Raw object present but no link row was ever registered for the id.
	key := imagepipeline.RawUploadKey(userID, userImageID)
	require.NoError(t, env.store.Upload(ctx, bytes.NewReader(pngBytes(t, 4, 4)), imagepipeline.UploadParams{
		ObjectKey: key,
		Metadata:  map[string]string{imagepipeline.MetaFileName: "stray.png"},
	}))

	ack := &fakeAck{}
	err := env.service.HandleNotification(ctx, notificationPayload(userID, userImageID), ack)
	assert.ErrorIs(t, err, imagepipeline.ErrLinkNotFound)
	assert.Equal(t, 1, ack.acked)
	assert.False(t, env.objectExists(t, key))
}

// flakyRepo wraps a Repository and fails GetCanonicalImageByHash a set number
// of times with a transient error.
type flakyRepo struct {
	imagepipeline.Repository
	failures int
}

func (r *flakyRepo) GetCanonicalImageByHash(ctx context.Context, hash string) (*imagepipeline.CanonicalImage, error) {
	if r.failures > 0 {
		r.failures--
		return nil, errors.New("connection reset")
	}
	return r.Repository.GetCanonicalImageByHash(ctx, hash)
}

func TestHandleNotificationTransientErrorRejectsThenRecovers(t *testing.T) {
	base := repomem.New()
	repo := &flakyRepo{Repository: base, failures: 1}
	store := storemem.New()
	service, err := imagepipeline.New(
		imagepipeline.WithRepository(repo),
		imagepipeline.WithObjectStore(testBucket, store),
		imagepipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		imagepipeline.WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	env := &pipelineEnv{repo: base, store: store, service: service}

	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()
	payload := env.seedUpload(t, userID, userImageID, pngBytes(t, 8, 8), "cat.png")

	ack := &fakeAck{}
	err = service.HandleNotification(ctx, payload, ack)
	assert.Error(t, err)
	assert.Equal(t, 1, ack.rejected)
	// Nothing consumed: the raw object survives for redelivery.
	assert.True(t, env.objectExists(t, imagepipeline.RawUploadKey(userID, userImageID)))

	// Redelivery succeeds once the repository recovers.
	ack = &fakeAck{}
	require.NoError(t, service.HandleNotification(ctx, payload, ack))
	assert.Equal(t, 1, ack.acked)
	link, err := base.GetUserImageLink(ctx, userImageID)
	require.NoError(t, err)
	assert.Equal(t, imagepipeline.ImageStatusUploaded, link.Status)
}

// racingRepo injects a competing canonical row for the same hash just before
// the wrapped SaveCanonicalImage commits, simulating a concurrent promoter
// winning the row race.
type racingRepo struct {
	imagepipeline.Repository
	winnerID uuid.UUID
	loserID  uuid.UUID
	injected bool
}

func (r *racingRepo) SaveCanonicalImage(ctx context.Context, img *imagepipeline.CanonicalImage) error {
	if !r.injected && img.Status == imagepipeline.ImageStatusUploaded {
		r.injected = true
		r.loserID = img.ID
		winner := *img
		winner.ID = r.winnerID
		if err := r.Repository.SaveCanonicalImage(ctx, &winner); err != nil {
			return err
		}
	}
	return r.Repository.SaveCanonicalImage(ctx, img)
}

func TestHandleNotificationPromotionRaceConverges(t *testing.T) {
	base := repomem.New()
	repo := &racingRepo{Repository: base, winnerID: uuid.New()}
	store := storemem.New()
	service, err := imagepipeline.New(
		imagepipeline.WithRepository(repo),
		imagepipeline.WithObjectStore(testBucket, store),
		imagepipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		imagepipeline.WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	env := &pipelineEnv{repo: base, store: store, service: service}

	ctx := context.Background()
	userID, userImageID := uuid.New(), uuid.New()
	data := pngBytes(t, 16, 16)
	payload := env.seedUpload(t, userID, userImageID, data, "raced.png")

	ack := &fakeAck{}
	require.NoError(t, service.HandleNotification(ctx, payload, ack))
	assert.Equal(t, 1, ack.acked)

	// Exactly one row survives, under the winner's id, and the link adopts it.
	sum := md5.Sum(data)
	canonical, err := base.GetCanonicalImageByHash(ctx, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, repo.winnerID, canonical.ID)

	link, err := base.GetUserImageLink(ctx, userImageID)
	require.NoError(t, err)
	require.NotNil(t, link.CanonicalID)
	assert.Equal(t, repo.winnerID, *link.CanonicalID)

	// The loser's orphaned canonical object was cleaned up along with the
	// staging object.
	assert.False(t, env.objectExists(t, imagepipeline.CanonicalKey(repo.loserID)))
	assert.False(t, env.objectExists(t, imagepipeline.RawUploadKey(userID, userImageID)))
}
