// Package postgres provides a Repository implementation backed by
// PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
)

// DBTX is an interface that allows us to use either a database connection or
// a transaction.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements imagepipeline.Repository using PostgreSQL.
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository.
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with a connection pool.
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// wrapError maps low-level postgres errors onto domain errors where a domain
// meaning exists.
func wrapError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "canonical_image") {
				return imagepipeline.ErrCanonicalImageExists
			}
			return fmt.Errorf("duplicate entry in %s: %w", operation, err)
		case "23503": // foreign_key_violation
			return fmt.Errorf("referenced record not found in %s: %w", operation, err)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

// Canonical image operations

const canonicalImageColumns = `id, width, height, byte_size, storage_path, mime_type, hash, status, created_at, updated_at`

func scanCanonicalImage(row pgx.Row) (*imagepipeline.CanonicalImage, error) {
	var img imagepipeline.CanonicalImage
	err := row.Scan(&img.ID, &img.Width, &img.Height, &img.ByteSize, &img.StoragePath,
		&img.MimeType, &img.Hash, &img.Status, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (r *Repository) GetCanonicalImageByHash(ctx context.Context, hash string) (*imagepipeline.CanonicalImage, error) {
	query := `SELECT ` + canonicalImageColumns + ` FROM canonical_image WHERE hash = $1`
	img, err := scanCanonicalImage(r.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, imagepipeline.ErrCanonicalImageNotFound
		}
		return nil, wrapError("get_canonical_image_by_hash", err)
	}
	return img, nil
}

func (r *Repository) GetCanonicalImage(ctx context.Context, id uuid.UUID) (*imagepipeline.CanonicalImage, error) {
	query := `SELECT ` + canonicalImageColumns + ` FROM canonical_image WHERE id = $1`
	img, err := scanCanonicalImage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, imagepipeline.ErrCanonicalImageNotFound
		}
		return nil, wrapError("get_canonical_image", err)
	}
	return img, nil
}

func (r *Repository) SaveCanonicalImage(ctx context.Context, img *imagepipeline.CanonicalImage) error {
	query := `
		INSERT INTO canonical_image (` + canonicalImageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			byte_size = EXCLUDED.byte_size,
			storage_path = EXCLUDED.storage_path,
			mime_type = EXCLUDED.mime_type,
			hash = EXCLUDED.hash,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`
	_, err := r.db.Exec(ctx, query, img.ID, img.Width, img.Height, img.ByteSize, img.StoragePath,
		img.MimeType, img.Hash, img.Status, img.CreatedAt, img.UpdatedAt)
	if err != nil {
		return wrapError("save_canonical_image", err)
	}
	return nil
}

// User-image link operations

const userImageColumns = `id, user_id, canonical_id, file_name, status, created_at, updated_at, deleted_at, expired_at`

func (r *Repository) GetUserImageLink(ctx context.Context, id uuid.UUID) (*imagepipeline.UserImageLink, error) {
	query := `SELECT ` + userImageColumns + ` FROM user_image WHERE id = $1 AND deleted_at IS NULL`
	var link imagepipeline.UserImageLink
	err := r.db.QueryRow(ctx, query, id).Scan(&link.ID, &link.UserID, &link.CanonicalID, &link.FileName,
		&link.Status, &link.CreatedAt, &link.UpdatedAt, &link.DeletedAt, &link.ExpiredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, imagepipeline.ErrLinkNotFound
		}
		return nil, wrapError("get_user_image_link", err)
	}
	return &link, nil
}

func (r *Repository) SaveUserImageLink(ctx context.Context, link *imagepipeline.UserImageLink) error {
	query := `
		INSERT INTO user_image (` + userImageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			canonical_id = EXCLUDED.canonical_id,
			file_name = EXCLUDED.file_name,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at,
			expired_at = EXCLUDED.expired_at`
	_, err := r.db.Exec(ctx, query, link.ID, link.UserID, link.CanonicalID, link.FileName,
		link.Status, link.CreatedAt, link.UpdatedAt, link.DeletedAt, link.ExpiredAt)
	if err != nil {
		return wrapError("save_user_image_link", err)
	}
	return nil
}

func (r *Repository) UpdateUserImageLinkStatus(ctx context.Context, id uuid.UUID, status imagepipeline.ImageStatus, canonicalID *uuid.UUID) error {
	query := `
		UPDATE user_image
		SET status = $2,
		    canonical_id = COALESCE($3, canonical_id),
		    updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, status, canonicalID)
	if err != nil {
		return wrapError("update_user_image_link_status", err)
	}
	if tag.RowsAffected() == 0 {
		return imagepipeline.ErrLinkNotFound
	}
	return nil
}

// Generated image operations

func (r *Repository) SaveGeneratedImage(ctx context.Context, img *imagepipeline.GeneratedImage) error {
	query := `
		INSERT INTO generated_image (id, canonical_id, configuration_id, width, height, byte_size, storage_path, mime_type, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.Exec(ctx, query, img.ID, img.CanonicalID, img.ConfigurationID, img.Width, img.Height,
		img.ByteSize, img.StoragePath, img.MimeType, img.Hash, img.CreatedAt)
	if err != nil {
		return wrapError("save_generated_image", err)
	}
	return nil
}

func (r *Repository) HasGeneratedImage(ctx context.Context, hash string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM generated_image WHERE hash = $1)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, hash).Scan(&exists); err != nil {
		return false, wrapError("has_generated_image", err)
	}
	return exists, nil
}

// Configuration operations

func (r *Repository) SaveConfiguration(ctx context.Context, cfg *imagepipeline.ProcessingConfiguration) error {
	query := `
		INSERT INTO processing_configuration (id, width, height, scale, keep_ratio, quality, description, output_mime_type, output_ext)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.db.Exec(ctx, query, cfg.ID, cfg.Width, cfg.Height, cfg.Scale, cfg.KeepRatio,
		cfg.Quality, cfg.Description, cfg.OutputMimeType, cfg.OutputExt)
	if err != nil {
		return wrapError("save_configuration", err)
	}
	return nil
}

func (r *Repository) ListUnprocessedConfigurations(ctx context.Context, canonicalID uuid.UUID) ([]*imagepipeline.ProcessingConfiguration, error) {
	query := `
		SELECT c.id, c.width, c.height, c.scale, c.keep_ratio, c.quality, c.description, c.output_mime_type, c.output_ext
		FROM processing_configuration c
		WHERE NOT EXISTS (
			SELECT 1 FROM generated_image g
			WHERE g.configuration_id = c.id AND g.canonical_id = $1
		)
		ORDER BY c.id`
	rows, err := r.db.Query(ctx, query, canonicalID)
	if err != nil {
		return nil, wrapError("list_unprocessed_configurations", err)
	}
	defer rows.Close()

	var result []*imagepipeline.ProcessingConfiguration
	for rows.Next() {
		var cfg imagepipeline.ProcessingConfiguration
		if err := rows.Scan(&cfg.ID, &cfg.Width, &cfg.Height, &cfg.Scale, &cfg.KeepRatio,
			&cfg.Quality, &cfg.Description, &cfg.OutputMimeType, &cfg.OutputExt); err != nil {
			return nil, wrapError("list_unprocessed_configurations", err)
		}
		result = append(result, &cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("list_unprocessed_configurations", err)
	}
	return result, nil
}

// Processing job operations

func (r *Repository) GetJob(ctx context.Context, configurationID, canonicalID uuid.UUID) (*imagepipeline.ProcessingJob, error) {
	query := `
		SELECT id, canonical_id, configuration_id, status, started_at, ended_at, remark
		FROM processing_job
		WHERE configuration_id = $1 AND canonical_id = $2`
	var job imagepipeline.ProcessingJob
	var remark *string
	err := r.db.QueryRow(ctx, query, configurationID, canonicalID).Scan(&job.ID, &job.CanonicalID,
		&job.ConfigurationID, &job.Status, &job.StartedAt, &job.EndedAt, &remark)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, imagepipeline.ErrJobNotFound
		}
		return nil, wrapError("get_job", err)
	}
	if remark != nil {
		job.Remark = *remark
	}
	return &job, nil
}

func (r *Repository) SaveJob(ctx context.Context, job *imagepipeline.ProcessingJob) error {
	query := `
		INSERT INTO processing_job (id, canonical_id, configuration_id, status, started_at, ended_at, remark)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`
	_, err := r.db.Exec(ctx, query, job.ID, job.CanonicalID, job.ConfigurationID, job.Status,
		job.StartedAt, job.EndedAt, job.Remark)
	if err != nil {
		return wrapError("save_job", err)
	}
	return nil
}

func (r *Repository) UpdateJob(ctx context.Context, jobID uuid.UUID, status imagepipeline.JobStatus, remark string, endedAt time.Time) error {
	query := `
		UPDATE processing_job
		SET status = $2, remark = NULLIF($3, ''), ended_at = $4
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, jobID, status, remark, endedAt)
	if err != nil {
		return wrapError("update_job", err)
	}
	if tag.RowsAffected() == 0 {
		return imagepipeline.ErrJobNotFound
	}
	return nil
}

func (r *Repository) RemoveJob(ctx context.Context, configurationID, canonicalID uuid.UUID) error {
	query := `DELETE FROM processing_job WHERE configuration_id = $1 AND canonical_id = $2`
	_, err := r.db.Exec(ctx, query, configurationID, canonicalID)
	if err != nil {
		return wrapError("remove_job", err)
	}
	return nil
}
