package imagepipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ProcessPendingJobs enumerates configurations with no completed variant for
// the canonical image and drives one processing job per configuration. One
// configuration's failure never aborts its siblings: failures are recorded on
// the job row and iteration continues.
func (p *pipeline) ProcessPendingJobs(ctx context.Context, bucket string, canonicalID uuid.UUID) error {
	log := p.logger.With("canonical_id", canonicalID)

	store, err := p.store(bucket)
	if err != nil {
		return err
	}

	configs, err := p.repository.ListUnprocessedConfigurations(ctx, canonicalID)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}

	canonicalKey := CanonicalKey(canonicalID)
	rc, err := store.Download(ctx, canonicalKey)
	if err != nil {
		return &StorageError{Bucket: bucket, Key: canonicalKey, Op: "download", Err: err}
	}
	src, err := Classify(rc)
	rc.Close()
	if err != nil {
		return err
	}
	if !src.IsImage {
		return fmt.Errorf("canonical object %s is not a decodable image", canonicalKey)
	}

	for _, cfg := range configs {
		if err := p.runConfiguration(ctx, log, store, bucket, canonicalID, cfg, src); err != nil {
			log.Warn("variant generation failed",
				"configuration_id", cfg.ID,
				"error", err)
		}
	}
	return nil
}

// runConfiguration drives the job state machine for one (canonical image,
// configuration) pair: skip when a run is already in flight or done, else
// supersede the prior terminal row, insert a RUNNING row, generate, upload,
// record the variant, and mark the job COMPLETED or FAILED.
//
// The RUNNING/COMPLETED skip is a soft guard, not a lock: two concurrent
// instances can both pass it. The variant row write dedups by content hash,
// so at most one persisted artifact survives the race.
func (p *pipeline) runConfiguration(ctx context.Context, log *slog.Logger, store ObjectStore, bucket string, canonicalID uuid.UUID, cfg *ProcessingConfiguration, src *Classification) error {
	prior, err := p.repository.GetJob(ctx, cfg.ID, canonicalID)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}
	if err == nil && (prior.Status == JobStatusRunning || prior.Status == JobStatusCompleted) {
		return nil
	}

	if err := p.repository.RemoveJob(ctx, cfg.ID, canonicalID); err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}
	job := &ProcessingJob{
		ID:              uuid.New(),
		CanonicalID:     canonicalID,
		ConfigurationID: cfg.ID,
		Status:          JobStatusRunning,
		StartedAt:       p.now(),
	}
	if err := p.repository.SaveJob(ctx, job); err != nil {
		return err
	}
	log.Info("started variant generation", "job_id", job.ID, "configuration_id", cfg.ID)

	if err := p.generateAndRecord(ctx, store, bucket, canonicalID, cfg, src); err != nil {
		wrapped := &JobError{ConfigurationID: cfg.ID, CanonicalID: canonicalID, Err: err}
		if uerr := p.repository.UpdateJob(ctx, job.ID, JobStatusFailed, wrapped.Error(), p.now()); uerr != nil {
			return errors.Join(wrapped, uerr)
		}
		return wrapped
	}

	if err := p.repository.UpdateJob(ctx, job.ID, JobStatusCompleted, "", p.now()); err != nil {
		return err
	}
	log.Info("finished variant generation", "job_id", job.ID, "configuration_id", cfg.ID)
	return nil
}

// generateAndRecord produces the variant bytes, uploads them to the derived
// object location, and records the GeneratedImage row unless a variant with
// identical content has already been recorded.
func (p *pipeline) generateAndRecord(ctx context.Context, store ObjectStore, bucket string, canonicalID uuid.UUID, cfg *ProcessingConfiguration, src *Classification) error {
	variant, err := GenerateVariant(src, cfg)
	if err != nil {
		return err
	}

	variantKey := VariantKey(canonicalID, cfg.ID)
	err = store.Upload(ctx, bytes.NewReader(variant.Data), UploadParams{
		ObjectKey: variantKey,
		MimeType:  variant.MimeType,
		Metadata: map[string]string{
			MetaOriginalID:      canonicalID.String(),
			MetaConfigurationID: cfg.ID.String(),
			MetaWidth:           fmt.Sprint(variant.Width),
			MetaHeight:          fmt.Sprint(variant.Height),
			MetaExt:             variant.Ext,
			MetaMimeType:        variant.MimeType,
		},
	})
	if err != nil {
		return &StorageError{Bucket: bucket, Key: variantKey, Op: "upload", Err: err}
	}

	// The stored object is authoritative for size and hash.
	meta, err := store.GetObjectMeta(ctx, variantKey)
	if err != nil {
		return &StorageError{Bucket: bucket, Key: variantKey, Op: "head", Err: err}
	}

	exists, err := p.repository.HasGeneratedImage(ctx, meta.ETag)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return p.repository.SaveGeneratedImage(ctx, &GeneratedImage{
		ID:              uuid.New(),
		CanonicalID:     canonicalID,
		ConfigurationID: cfg.ID,
		Width:           variant.Width,
		Height:          variant.Height,
		ByteSize:        meta.Size,
		StoragePath:     storagePath(bucket, variantKey),
		MimeType:        variant.MimeType,
		Hash:            meta.ETag,
		CreatedAt:       metaTimeOr(meta.CreatedAt, p.now()),
	})
}
