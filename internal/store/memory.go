package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/logger"
)

// MemoryStore is an in-memory Store for tests and ephemeral
// single-process deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	buckets    map[string]map[string]memEntry
	schemas    map[string]Bucket
	queryLimit int
	logger     *logger.Logger
}

type memEntry struct {
	value []byte
	etag  string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(queryLimit int, log *logger.Logger) *MemoryStore {
	if queryLimit <= 0 {
		queryLimit = DefaultQueryLimit
	}
	return &MemoryStore{
		buckets:    make(map[string]map[string]memEntry),
		schemas:    make(map[string]Bucket),
		queryLimit: queryLimit,
		logger:     log.WithFields(zap.String("component", "store.memory")),
	}
}

// RegisterBucket creates the bucket if needed and records its indexes.
func (s *MemoryStore) RegisterBucket(_ context.Context, bucket Bucket) error {
	if err := validateBucketName(bucket.Name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket.Name]; !ok {
		s.buckets[bucket.Name] = make(map[string]memEntry)
	}
	s.schemas[bucket.Name] = bucket
	return nil
}

// Put writes a document, enforcing the etag when one is given.
func (s *MemoryStore) Put(_ context.Context, bucket, key string, value []byte, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		return "", ErrUnknownBucket
	}

	if etag != "" {
		existing, ok := entries[key]
		if !ok || existing.etag != etag {
			return "", ErrEtagConflict
		}
	}

	newEtag := uuid.New().String()
	entries[key] = memEntry{value: cloneBytes(value), etag: newEtag}
	return newEtag, nil
}

// Get returns the document at key, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, bucket, key string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrUnknownBucket
	}
	entry, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Item{Key: key, Value: cloneBytes(entry.value), Etag: entry.etag}, nil
}

// Delete removes the document at key. Absent keys are not an error.
func (s *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		return ErrUnknownBucket
	}
	delete(entries, key)
	return nil
}

// Find scans the bucket and applies the filter, ordering, and paging.
func (s *MemoryStore) Find(_ context.Context, bucket string, filter Filter, opts FindOptions) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrUnknownBucket
	}
	if err := validateFilterFields(s.schemas[bucket], filter, opts); err != nil {
		return nil, err
	}

	docs := make([]localDoc, 0, len(entries))
	for key, entry := range entries {
		doc, err := decodeLocalDoc(key, entry.value, entry.etag)
		if err != nil {
			s.logger.Warn("Skipping undecodable document", zap.String("bucket", bucket), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}

	return applyFind(docs, filter, opts, s.queryLimit), nil
}

// Batch applies all operations under one lock. Conditional puts are
// verified before anything is written, so a conflict leaves the store
// untouched.
func (s *MemoryStore) Batch(_ context.Context, ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		entries, ok := s.buckets[op.Bucket]
		if !ok {
			return ErrUnknownBucket
		}
		if op.Remove || op.Etag == "" {
			continue
		}
		existing, ok := entries[op.Key]
		if !ok || existing.etag != op.Etag {
			return ErrEtagConflict
		}
	}

	for _, op := range ops {
		entries := s.buckets[op.Bucket]
		if op.Remove {
			delete(entries, op.Key)
			continue
		}
		entries[op.Key] = memEntry{value: cloneBytes(op.Value), etag: uuid.New().String()}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
