package imagepipeline

import (
	"fmt"
	"log/slog"
	"time"
)

// pipeline implements the Service interface.
type pipeline struct {
	repository   Repository
	objectStores map[string]ObjectStore
	logger       *slog.Logger
	now          func() time.Time
	linkTTL      time.Duration
}

// Option represents a functional option for configuring the service.
type Option func(*pipeline)

// WithRepository sets the repository for the service.
func WithRepository(repo Repository) Option {
	return func(p *pipeline) {
		p.repository = repo
	}
}

// WithObjectStore registers an object store under the bucket name
// notifications reference it by.
func WithObjectStore(bucket string, store ObjectStore) Option {
	return func(p *pipeline) {
		if p.objectStores == nil {
			p.objectStores = make(map[string]ObjectStore)
		}
		p.objectStores[bucket] = store
	}
}

// WithLogger sets the structured logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(p *pipeline) {
		p.logger = logger
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(p *pipeline) {
		p.now = now
	}
}

// WithLinkTTL sets how long a registered upload link stays valid before the
// pipeline treats its notification as expired.
func WithLinkTTL(ttl time.Duration) Option {
	return func(p *pipeline) {
		p.linkTTL = ttl
	}
}

// New creates a new pipeline service with the given options.
func New(options ...Option) (Service, error) {
	p := &pipeline{
		objectStores: make(map[string]ObjectStore),
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		linkTTL:      15 * time.Minute,
	}

	for _, option := range options {
		option(p)
	}

	if p.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if len(p.objectStores) == 0 {
		return nil, fmt.Errorf("at least one object store is required")
	}

	return p, nil
}

// store resolves the object store registered for a bucket.
func (p *pipeline) store(bucket string) (ObjectStore, error) {
	s, ok := p.objectStores[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	return s, nil
}
