package imagepipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// metaTimeOr falls back when a store does not report object timestamps.
func metaTimeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// disposition is the terminal decision for one notification.
type disposition int

const (
	// dispositionAck marks the notification handled; permanent outcomes and
	// full success both acknowledge, since redelivery cannot change them.
	dispositionAck disposition = iota

	// dispositionReject requests redelivery after a transient failure.
	dispositionReject
)

// HandleNotification sequences resolution, dedup, classification, promotion,
// link bookkeeping, and job scheduling for one inbound notification, then
// invokes exactly one of ack.Ack or ack.Reject.
func (p *pipeline) HandleNotification(ctx context.Context, payload []byte, ack AckHandle) error {
	processingID := uuid.New()
	log := p.logger.With("processing_id", processingID)

	disp, err := p.handleUploadNotification(ctx, log, payload)

	switch disp {
	case dispositionReject:
		log.Error("notification rejected, requesting redelivery", "error", err)
		if ackErr := ack.Reject(ctx); ackErr != nil {
			return errors.Join(err, ackErr)
		}
	default:
		if err != nil {
			log.Warn("notification dropped with permanent outcome", "error", err)
		}
		if ackErr := ack.Ack(ctx); ackErr != nil {
			return errors.Join(err, ackErr)
		}
	}
	return err
}

func (p *pipeline) handleUploadNotification(ctx context.Context, log *slog.Logger, payload []byte) (disposition, error) {
	ref, err := ResolveUpload(payload)
	if err != nil {
		return dispositionAck, err
	}
	log = log.With("bucket", ref.Bucket, "object", ref.ObjectKey)
	log.Info("start processing upload notification")

	store, err := p.store(ref.Bucket)
	if err != nil {
		return dispositionReject, err
	}

	meta, err := store.GetObjectMeta(ctx, ref.ObjectKey)
	if errors.Is(err, ErrObjectNotFound) {
		// The raw object was deleted before we got here. The upload window
		// is gone; expire the link and drop the notification.
		log.Info("raw object has been deleted at source")
		if uerr := p.repository.UpdateUserImageLinkStatus(ctx, ref.UserImageID, ImageStatusExpired, nil); uerr != nil && !errors.Is(uerr, ErrLinkNotFound) {
			return dispositionReject, uerr
		}
		return dispositionAck, nil
	}
	if err != nil {
		return dispositionReject, &StorageError{Bucket: ref.Bucket, Key: ref.ObjectKey, Op: "head", Err: err}
	}
	hash := meta.ETag

	// Dedup by content hash before classification or promotion: repeated
	// uploads of identical bytes never re-run either.
	var knownID *uuid.UUID
	canonical, err := p.repository.GetCanonicalImageByHash(ctx, hash)
	switch {
	case err == nil && canonical.Status == ImageStatusInvalid:
		log.Info("content hash is known invalid, dropping upload", "hash", hash)
		if derr := store.Delete(ctx, ref.ObjectKey); derr != nil {
			return dispositionReject, derr
		}
		if uerr := p.repository.UpdateUserImageLinkStatus(ctx, ref.UserImageID, ImageStatusInvalid, nil); uerr != nil && !errors.Is(uerr, ErrLinkNotFound) {
			return dispositionReject, uerr
		}
		return dispositionAck, nil
	case err == nil:
		knownID = &canonical.ID
	case errors.Is(err, ErrCanonicalImageNotFound):
		// first sighting of this content
	default:
		return dispositionReject, err
	}

	if metaValue(meta.Metadata, MetaFileName) == "" {
		if derr := store.Delete(ctx, ref.ObjectKey); derr != nil {
			return dispositionReject, derr
		}
		return dispositionAck, fmt.Errorf("%w: %s", ErrMissingOwnerMetadata, MetaFileName)
	}

	link, err := p.repository.GetUserImageLink(ctx, ref.UserImageID)
	if errors.Is(err, ErrLinkNotFound) {
		// No link row was ever registered for this id. Registration happens
		// before the upload URL is issued, so this object is not ours to
		// keep; drop it rather than loop on redelivery.
		if derr := store.Delete(ctx, ref.ObjectKey); derr != nil {
			return dispositionReject, derr
		}
		return dispositionAck, err
	}
	if err != nil {
		return dispositionReject, err
	}
	if link.Expired(p.now()) {
		log.Info("upload link has expired, dropping upload", "link_id", link.ID)
		if derr := store.Delete(ctx, ref.ObjectKey); derr != nil {
			return dispositionReject, derr
		}
		if uerr := p.repository.UpdateUserImageLinkStatus(ctx, ref.UserImageID, ImageStatusExpired, nil); uerr != nil {
			return dispositionReject, uerr
		}
		return dispositionAck, nil
	}

	promoted := false
	if knownID != nil {
		_, err := store.GetObjectMeta(ctx, CanonicalKey(*knownID))
		switch {
		case err == nil:
			promoted = true
		case errors.Is(err, ErrObjectNotFound):
			// known hash but canonical object missing; re-promote below
		default:
			return dispositionReject, err
		}
	}

	var canonicalID uuid.UUID
	if promoted {
		// Redelivery or a duplicate upload of known content: the canonical
		// object is already in place, only the staging object remains.
		canonicalID = *knownID
		if derr := store.Delete(ctx, ref.ObjectKey); derr != nil {
			return dispositionReject, derr
		}
	} else {
		rc, err := store.Download(ctx, ref.ObjectKey)
		if errors.Is(err, ErrObjectNotFound) {
			// Deleted between the head and the read; same as deleted at
			// source.
			if uerr := p.repository.UpdateUserImageLinkStatus(ctx, ref.UserImageID, ImageStatusExpired, nil); uerr != nil {
				return dispositionReject, uerr
			}
			return dispositionAck, nil
		}
		if err != nil {
			return dispositionReject, &StorageError{Bucket: ref.Bucket, Key: ref.ObjectKey, Op: "download", Err: err}
		}
		classified, cerr := Classify(rc)
		rc.Close()
		if cerr != nil {
			return dispositionReject, cerr
		}

		if !classified.IsImage {
			return p.dropNonImage(ctx, log, store, ref, classified, knownID == nil)
		}

		targetID := uuid.New()
		if knownID != nil {
			targetID = *knownID
		}
		canonicalID, err = p.promote(ctx, log, store, ref, targetID, classified, knownID == nil)
		if err != nil {
			return dispositionReject, err
		}
	}

	if err := p.repository.UpdateUserImageLinkStatus(ctx, ref.UserImageID, ImageStatusUploaded, &canonicalID); err != nil {
		return dispositionReject, &LinkError{LinkID: ref.UserImageID, Op: "resolve", Err: err}
	}
	log.Info("user image resolved", "link_id", ref.UserImageID, "canonical_id", canonicalID)

	if err := p.ProcessPendingJobs(ctx, ref.Bucket, canonicalID); err != nil {
		return dispositionReject, err
	}
	log.Info("finished variant generation", "canonical_id", canonicalID)
	return dispositionAck, nil
}

// dropNonImage handles the classifier's non-image outcome: the raw object is
// removed, the link is marked invalid, and on first sighting of the hash an
// invalid canonical row is recorded so later duplicates short-circuit.
func (p *pipeline) dropNonImage(ctx context.Context, log *slog.Logger, store ObjectStore, ref *UploadRef, c *Classification, firstSighting bool) (disposition, error) {
	log.Info("uploaded object is not an image", "mime_type", c.MimeType, "hash", c.Hash)
	if err := store.Delete(ctx, ref.ObjectKey); err != nil {
		return dispositionReject, err
	}
	if err := p.repository.UpdateUserImageLinkStatus(ctx, ref.UserImageID, ImageStatusInvalid, nil); err != nil {
		return dispositionReject, err
	}
	if firstSighting {
		now := p.now()
		invalid := &CanonicalImage{
			ID:        uuid.New(),
			ByteSize:  c.ByteSize,
			MimeType:  c.MimeType,
			Hash:      c.Hash,
			Status:    ImageStatusInvalid,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := p.repository.SaveCanonicalImage(ctx, invalid); err != nil && !errors.Is(err, ErrCanonicalImageExists) {
			return dispositionReject, err
		}
	}
	return dispositionAck, nil
}

// promote copies the raw object into its canonical content-addressed
// location, deletes the raw object, and on the newly-created path persists
// the CanonicalImage row from the now-canonical object's authoritative
// metadata. Concurrent promotions are merged optimistically: an existing
// destination object or a hash-conflicting row means another promoter won,
// and this instance proceeds with the winner's state.
func (p *pipeline) promote(ctx context.Context, log *slog.Logger, store ObjectStore, ref *UploadRef, canonicalID uuid.UUID, c *Classification, createRow bool) (uuid.UUID, error) {
	destKey := CanonicalKey(canonicalID)
	err := store.Copy(ctx, CopyParams{
		SourceKey: ref.ObjectKey,
		DestKey:   destKey,
		MimeType:  c.MimeType,
		Metadata: map[string]string{
			MetaWidth:    fmt.Sprint(c.Width),
			MetaHeight:   fmt.Sprint(c.Height),
			MetaExt:      c.Ext,
			MetaMimeType: c.MimeType,
			MetaFileID:   canonicalID.String(),
		},
	})
	alreadyPromoted := errors.Is(err, ErrObjectExists)
	if err != nil && !alreadyPromoted {
		return uuid.Nil, &StorageError{Bucket: ref.Bucket, Key: destKey, Op: "copy", Err: err}
	}
	if alreadyPromoted {
		log.Info("canonical object already present, promotion raced", "canonical_id", canonicalID)
	}

	if derr := store.Delete(ctx, ref.ObjectKey); derr != nil {
		return uuid.Nil, &StorageError{Bucket: ref.Bucket, Key: ref.ObjectKey, Op: "delete", Err: derr}
	}

	if !createRow || alreadyPromoted {
		return canonicalID, nil
	}

	// The copy is the source of truth: re-read size, hash, and timestamps
	// rather than trusting pre-copy values.
	meta, err := store.GetObjectMeta(ctx, destKey)
	if err != nil {
		return uuid.Nil, &StorageError{Bucket: ref.Bucket, Key: destKey, Op: "head", Err: err}
	}
	img := &CanonicalImage{
		ID:          canonicalID,
		Width:       c.Width,
		Height:      c.Height,
		ByteSize:    meta.Size,
		StoragePath: storagePath(ref.Bucket, destKey),
		MimeType:    c.MimeType,
		Hash:        meta.ETag,
		Status:      ImageStatusUploaded,
		CreatedAt:   metaTimeOr(meta.CreatedAt, p.now()),
		UpdatedAt:   metaTimeOr(meta.UpdatedAt, p.now()),
	}
	err = p.repository.SaveCanonicalImage(ctx, img)
	if errors.Is(err, ErrCanonicalImageExists) {
		// A concurrent promoter committed a row for the same content under a
		// different id. Adopt its state and remove our orphaned object.
		winner, werr := p.repository.GetCanonicalImageByHash(ctx, meta.ETag)
		if werr != nil {
			return uuid.Nil, werr
		}
		if derr := store.Delete(ctx, destKey); derr != nil {
			return uuid.Nil, derr
		}
		log.Info("canonical row already committed by concurrent promoter", "winner_id", winner.ID)
		return winner.ID, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return canonicalID, nil
}
