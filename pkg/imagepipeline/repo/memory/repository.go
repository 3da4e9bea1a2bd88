// Package memory provides an in-memory Repository implementation, used for
// tests and standalone runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
)

// Repository implements imagepipeline.Repository using in-memory maps.
type Repository struct {
	mu             sync.RWMutex
	canonical      map[uuid.UUID]*imagepipeline.CanonicalImage
	canonicalHash  map[string]uuid.UUID
	links          map[uuid.UUID]*imagepipeline.UserImageLink
	generated      map[uuid.UUID]*imagepipeline.GeneratedImage
	generatedHash  map[string]uuid.UUID
	configurations map[uuid.UUID]*imagepipeline.ProcessingConfiguration
	configOrder    []uuid.UUID
	jobs           map[jobKey]*imagepipeline.ProcessingJob
}

type jobKey struct {
	configurationID uuid.UUID
	canonicalID     uuid.UUID
}

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{
		canonical:      make(map[uuid.UUID]*imagepipeline.CanonicalImage),
		canonicalHash:  make(map[string]uuid.UUID),
		links:          make(map[uuid.UUID]*imagepipeline.UserImageLink),
		generated:      make(map[uuid.UUID]*imagepipeline.GeneratedImage),
		generatedHash:  make(map[string]uuid.UUID),
		configurations: make(map[uuid.UUID]*imagepipeline.ProcessingConfiguration),
		jobs:           make(map[jobKey]*imagepipeline.ProcessingJob),
	}
}

// Canonical image operations

func (r *Repository) GetCanonicalImageByHash(ctx context.Context, hash string) (*imagepipeline.CanonicalImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.canonicalHash[hash]
	if !ok {
		return nil, imagepipeline.ErrCanonicalImageNotFound
	}
	imgCopy := *r.canonical[id]
	return &imgCopy, nil
}

func (r *Repository) GetCanonicalImage(ctx context.Context, id uuid.UUID) (*imagepipeline.CanonicalImage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	img, ok := r.canonical[id]
	if !ok {
		return nil, imagepipeline.ErrCanonicalImageNotFound
	}
	imgCopy := *img
	return &imgCopy, nil
}

func (r *Repository) SaveCanonicalImage(ctx context.Context, img *imagepipeline.CanonicalImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Content hash uniquely determines the canonical image: a row for the
	// same hash under a different id means a concurrent committer won.
	if existing, ok := r.canonicalHash[img.Hash]; ok && existing != img.ID {
		return imagepipeline.ErrCanonicalImageExists
	}

	imgCopy := *img
	r.canonical[img.ID] = &imgCopy
	r.canonicalHash[img.Hash] = img.ID
	return nil
}

// User-image link operations

func (r *Repository) GetUserImageLink(ctx context.Context, id uuid.UUID) (*imagepipeline.UserImageLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[id]
	if !ok {
		return nil, imagepipeline.ErrLinkNotFound
	}
	linkCopy := *link
	return &linkCopy, nil
}

func (r *Repository) SaveUserImageLink(ctx context.Context, link *imagepipeline.UserImageLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	linkCopy := *link
	r.links[link.ID] = &linkCopy
	return nil
}

func (r *Repository) UpdateUserImageLinkStatus(ctx context.Context, id uuid.UUID, status imagepipeline.ImageStatus, canonicalID *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	link, ok := r.links[id]
	if !ok {
		return imagepipeline.ErrLinkNotFound
	}
	updated := *link
	updated.Status = status
	if canonicalID != nil {
		idCopy := *canonicalID
		updated.CanonicalID = &idCopy
	}
	updated.UpdatedAt = time.Now().UTC()
	r.links[id] = &updated
	return nil
}

// Generated image operations

func (r *Repository) SaveGeneratedImage(ctx context.Context, img *imagepipeline.GeneratedImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	imgCopy := *img
	r.generated[img.ID] = &imgCopy
	r.generatedHash[img.Hash] = img.ID
	return nil
}

func (r *Repository) HasGeneratedImage(ctx context.Context, hash string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.generatedHash[hash]
	return ok, nil
}

// Configuration operations

func (r *Repository) SaveConfiguration(ctx context.Context, cfg *imagepipeline.ProcessingConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configurations[cfg.ID]; !ok {
		r.configOrder = append(r.configOrder, cfg.ID)
	}
	cfgCopy := *cfg
	r.configurations[cfg.ID] = &cfgCopy
	return nil
}

func (r *Repository) ListUnprocessedConfigurations(ctx context.Context, canonicalID uuid.UUID) ([]*imagepipeline.ProcessingConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	completed := make(map[uuid.UUID]bool)
	for _, g := range r.generated {
		if g.CanonicalID == canonicalID {
			completed[g.ConfigurationID] = true
		}
	}

	var result []*imagepipeline.ProcessingConfiguration
	for _, id := range r.configOrder {
		if completed[id] {
			continue
		}
		cfgCopy := *r.configurations[id]
		result = append(result, &cfgCopy)
	}
	return result, nil
}

// Processing job operations

func (r *Repository) GetJob(ctx context.Context, configurationID, canonicalID uuid.UUID) (*imagepipeline.ProcessingJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobKey{configurationID, canonicalID}]
	if !ok {
		return nil, imagepipeline.ErrJobNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

func (r *Repository) SaveJob(ctx context.Context, job *imagepipeline.ProcessingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobCopy := *job
	r.jobs[jobKey{job.ConfigurationID, job.CanonicalID}] = &jobCopy
	return nil
}

func (r *Repository) UpdateJob(ctx context.Context, jobID uuid.UUID, status imagepipeline.JobStatus, remark string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, job := range r.jobs {
		if job.ID != jobID {
			continue
		}
		updated := *job
		updated.Status = status
		updated.Remark = remark
		endCopy := endedAt
		updated.EndedAt = &endCopy
		r.jobs[key] = &updated
		return nil
	}
	return imagepipeline.ErrJobNotFound
}

func (r *Repository) RemoveJob(ctx context.Context, configurationID, canonicalID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobs, jobKey{configurationID, canonicalID})
	return nil
}
