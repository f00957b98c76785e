// Package memory provides in-process BlobStore and VersionCounter
// implementations for single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/domain"
)

type BlobStore struct {
	mu    sync.RWMutex
	clock clock.Clock
	objs  map[string]blob
	last  time.Time
}

type blob struct {
	obj  domain.BlobObject
	data []byte
}

// NewBlobStore creates an empty store stamping uploads with clk.
func NewBlobStore(clk clock.Clock) *BlobStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &BlobStore{clock: clk, objs: make(map[string]blob)}
}

func (s *BlobStore) Put(_ context.Context, key string, data []byte) (domain.BlobObject, error) {
	if key == "" {
		return domain.BlobObject{}, fmt.Errorf("memory.BlobStore.Put: %w: empty key", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Upload times are strictly increasing within one store.
	at := s.clock.Now()
	if !at.After(s.last) {
		at = s.last.Add(time.Nanosecond)
	}
	s.last = at

	obj := domain.BlobObject{
		Key:        key,
		URL:        "memory://" + key,
		Size:       int64(len(data)),
		UploadedAt: at,
	}
	s.objs[key] = blob{obj: obj, data: slices.Clone(data)}

	return obj, nil
}

func (s *BlobStore) List(_ context.Context, prefix string) ([]domain.BlobObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BlobObject, 0, len(s.objs))
	for key, b := range s.objs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, b.obj)
		}
	}
	slices.SortFunc(out, func(a, b domain.BlobObject) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (s *BlobStore) Fetch(_ context.Context, obj domain.BlobObject) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.objs[obj.Key]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("memory.BlobStore.Fetch: %s: %w", obj.Key, domain.ErrNotFound)
	}
	return slices.Clone(b.data), nil
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}
