// Package memory provides an in-memory ObjectStore implementation, used for
// tests and standalone runs.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/tendant/image-pipeline/pkg/imagepipeline"
)

type object struct {
	data      []byte
	mimeType  string
	metadata  map[string]string
	createdAt time.Time
	updatedAt time.Time
}

// Store is an in-memory implementation of the imagepipeline.ObjectStore
// interface. The ETag it reports is the hex md5 of the object's bytes,
// matching S3 single-part upload semantics.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*object
}

// New creates a new in-memory object store.
func New() *Store {
	return &Store{objects: make(map[string]*object)}
}

func (s *Store) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[objectKey]
	if !ok {
		return nil, imagepipeline.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) Upload(ctx context.Context, reader io.Reader, params imagepipeline.UploadParams) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	createdAt := now
	if prev, ok := s.objects[params.ObjectKey]; ok {
		createdAt = prev.createdAt
	}
	s.objects[params.ObjectKey] = &object{
		data:      data,
		mimeType:  params.MimeType,
		metadata:  copyMeta(params.Metadata),
		createdAt: createdAt,
		updatedAt: now,
	}
	return nil
}

func (s *Store) Copy(ctx context.Context, params imagepipeline.CopyParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.objects[params.SourceKey]
	if !ok {
		return imagepipeline.ErrObjectNotFound
	}
	if _, exists := s.objects[params.DestKey]; exists {
		return imagepipeline.ErrObjectExists
	}

	now := time.Now().UTC()
	data := make([]byte, len(src.data))
	copy(data, src.data)
	s.objects[params.DestKey] = &object{
		data:      data,
		mimeType:  params.MimeType,
		metadata:  copyMeta(params.Metadata),
		createdAt: now,
		updatedAt: now,
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, objectKey)
	return nil
}

func (s *Store) GetObjectMeta(ctx context.Context, objectKey string) (*imagepipeline.ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[objectKey]
	if !ok {
		return nil, imagepipeline.ErrObjectNotFound
	}

	sum := md5.Sum(obj.data)
	return &imagepipeline.ObjectMeta{
		Key:         objectKey,
		Size:        int64(len(obj.data)),
		ContentType: obj.mimeType,
		CreatedAt:   obj.createdAt,
		UpdatedAt:   obj.updatedAt,
		ETag:        hex.EncodeToString(sum[:]),
		Metadata:    copyMeta(obj.metadata),
	}, nil
}

// GetUploadURL returns an empty URL: the memory store only supports direct
// uploads.
func (s *Store) GetUploadURL(ctx context.Context, objectKey string) (string, error) {
	return "", nil
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
