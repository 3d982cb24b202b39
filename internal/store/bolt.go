package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/logger"
)

// BoltStore persists documents in a single bbolt file. It is the
// default backend: durable, embedded, no external services.
type BoltStore struct {
	db         *bolt.DB
	mu         sync.RWMutex
	schemas    map[string]Bucket
	queryLimit int
	logger     *logger.Logger
}

// boltEnvelope wraps a document with its version tag so both live in
// one bucket value.
type boltEnvelope struct {
	Etag  string          `json:"etag"`
	Value json.RawMessage `json:"value"`
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the bbolt file at path.
func NewBoltStore(path string, queryLimit int, log *logger.Logger) (*BoltStore, error) {
	if queryLimit <= 0 {
		queryLimit = DefaultQueryLimit
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store at %s: %w", path, err)
	}
	return &BoltStore{
		db:         db,
		schemas:    make(map[string]Bucket),
		queryLimit: queryLimit,
		logger:     log.WithFields(zap.String("component", "store.bolt")),
	}, nil
}

// RegisterBucket creates the bbolt bucket if needed and records its
// indexes for filter validation.
func (s *BoltStore) RegisterBucket(_ context.Context, bucket Bucket) error {
	if err := validateBucketName(bucket.Name); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket.Name))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket.Name, err)
	}

	s.mu.Lock()
	s.schemas[bucket.Name] = bucket
	s.mu.Unlock()
	return nil
}

// Put writes a document, enforcing the etag when one is given.
func (s *BoltStore) Put(_ context.Context, bucket, key string, value []byte, etag string) (string, error) {
	newEtag := uuid.New().String()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrUnknownBucket
		}
		if etag != "" {
			current, err := decodeEnvelope(b.Get([]byte(key)))
			if err != nil {
				return err
			}
			if current == nil || current.Etag != etag {
				return ErrEtagConflict
			}
		}
		return putEnvelope(b, key, value, newEtag)
	})
	if err != nil {
		return "", err
	}
	return newEtag, nil
}

// Get returns the document at key, or ErrNotFound.
func (s *BoltStore) Get(_ context.Context, bucket, key string) (*Item, error) {
	var item *Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrUnknownBucket
		}
		env, err := decodeEnvelope(b.Get([]byte(key)))
		if err != nil {
			return err
		}
		if env == nil {
			return ErrNotFound
		}
		item = &Item{Key: key, Value: cloneBytes(env.Value), Etag: env.Etag}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes the document at key. Absent keys are not an error.
func (s *BoltStore) Delete(_ context.Context, bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrUnknownBucket
		}
		return b.Delete([]byte(key))
	})
}

// Find scans the bucket and applies the filter, ordering, and paging.
func (s *BoltStore) Find(_ context.Context, bucket string, filter Filter, opts FindOptions) ([]Item, error) {
	s.mu.RLock()
	schema, known := s.schemas[bucket]
	s.mu.RUnlock()

	if known {
		if err := validateFilterFields(schema, filter, opts); err != nil {
			return nil, err
		}
	}

	var docs []localDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrUnknownBucket
		}
		return b.ForEach(func(k, v []byte) error {
			env, err := decodeEnvelope(v)
			if err != nil || env == nil {
				s.logger.Warn("Skipping undecodable envelope", zap.String("bucket", bucket), zap.Error(err))
				return nil
			}
			doc, err := decodeLocalDoc(string(k), env.Value, env.Etag)
			if err != nil {
				s.logger.Warn("Skipping undecodable document", zap.String("bucket", bucket), zap.Error(err))
				return nil
			}
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return applyFind(docs, filter, opts, s.queryLimit), nil
}

// Batch applies all operations in one transaction. Conditional puts
// are verified before anything is written, so a conflict rolls the
// whole batch back.
func (s *BoltStore) Batch(_ context.Context, ops []Op) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket([]byte(op.Bucket))
			if b == nil {
				return ErrUnknownBucket
			}
			if op.Remove || op.Etag == "" {
				continue
			}
			current, err := decodeEnvelope(b.Get([]byte(op.Key)))
			if err != nil {
				return err
			}
			if current == nil || current.Etag != op.Etag {
				return ErrEtagConflict
			}
		}

		for _, op := range ops {
			b := tx.Bucket([]byte(op.Bucket))
			if op.Remove {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
				continue
			}
			if err := putEnvelope(b, op.Key, op.Value, uuid.New().String()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putEnvelope(b *bolt.Bucket, key string, value []byte, etag string) error {
	raw, err := json.Marshal(boltEnvelope{Etag: etag, Value: value})
	if err != nil {
		return fmt.Errorf("failed to encode envelope for %s: %w", key, err)
	}
	return b.Put([]byte(key), raw)
}

func decodeEnvelope(raw []byte) (*boltEnvelope, error) {
	if raw == nil {
		return nil, nil
	}
	var env boltEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}
