// Package store provides the versioned document store backing the
// waitlist scheduler and the server inventory.
//
// Documents are JSON values addressed by (bucket, key). Every write
// produces a fresh etag; conditional writes compare etags so callers
// can run optimistic read-modify-write cycles. Queries filter and sort
// on the fields a bucket declares as indexed.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"

	"github.com/cnapi/cnapi/internal/common/config"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/db"
	"github.com/cnapi/cnapi/internal/db/dialect"
)

var (
	// ErrNotFound is returned when a key does not exist in a bucket.
	ErrNotFound = errors.New("store: key not found")

	// ErrEtagConflict is returned when a conditional write carries a
	// stale etag. Callers re-read and retry.
	ErrEtagConflict = errors.New("store: etag conflict")

	// ErrUnknownBucket is returned for operations on a bucket that was
	// never registered.
	ErrUnknownBucket = errors.New("store: unknown bucket")
)

// DefaultQueryLimit caps the rows a single Find returns when the
// configuration does not say otherwise.
const DefaultQueryLimit = 1000

// Bucket declares a named document collection and the value fields
// queries may filter and sort on.
type Bucket struct {
	Name    string
	Indexes []string
}

// Item is one stored document together with its concurrency token.
type Item struct {
	Key   string
	Value []byte
	Etag  string
}

// SortKey orders find results by one indexed field.
type SortKey struct {
	Field string
	Desc  bool
}

// FindOptions controls ordering and paging for Find. A Limit of zero,
// or one above the store's query cap, is clamped to the cap.
type FindOptions struct {
	Sort   []SortKey
	Limit  int
	Offset int
}

// Op is one operation inside an atomic batch.
type Op struct {
	Bucket string
	Key    string
	Value  []byte
	// Etag is the version a put expects to replace. Empty means
	// unconditional.
	Etag string
	// Remove marks the op as a delete instead of a put.
	Remove bool
}

// PutOp builds a conditional put for a batch.
func PutOp(bucket, key string, value []byte, etag string) Op {
	return Op{Bucket: bucket, Key: key, Value: value, Etag: etag}
}

// DeleteOp builds a delete for a batch. Deletes are idempotent.
func DeleteOp(bucket, key string) Op {
	return Op{Bucket: bucket, Key: key, Remove: true}
}

// Store is the object store used by all durable cnapi state.
type Store interface {
	// RegisterBucket creates the bucket if needed and records its
	// indexed fields. It must be called before any other operation on
	// the bucket.
	RegisterBucket(ctx context.Context, bucket Bucket) error

	// Put writes a document. A non-empty etag makes the write
	// conditional: ErrEtagConflict is returned when the stored etag
	// differs, including when the key no longer exists. The new etag
	// is returned on success.
	Put(ctx context.Context, bucket, key string, value []byte, etag string) (string, error)

	// Get returns the document at key, or ErrNotFound.
	Get(ctx context.Context, bucket, key string) (*Item, error)

	// Delete removes the document at key. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, bucket, key string) error

	// Find returns documents whose indexed fields satisfy every
	// condition in filter, ordered and paged per opts. At most the
	// store's query cap is returned per call.
	Find(ctx context.Context, bucket string, filter Filter, opts FindOptions) ([]Item, error)

	// Batch applies all operations atomically. If any conditional put
	// conflicts, nothing is applied and ErrEtagConflict is returned.
	Batch(ctx context.Context, ops []Op) error

	Close() error
}

var bucketNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validateBucketName(name string) error {
	if !bucketNameRe.MatchString(name) {
		return fmt.Errorf("store: invalid bucket name %q", name)
	}
	return nil
}

// Open constructs the store backend selected by the configuration.
func Open(cfg config.StoreConfig, dbCfg config.DatabaseConfig, log *logger.Logger) (Store, error) {
	queryLimit := cfg.QueryLimit
	if queryLimit <= 0 {
		queryLimit = DefaultQueryLimit
	}

	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(queryLimit, log), nil

	case "bolt":
		return NewBoltStore(cfg.Path, queryLimit, log)

	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
		return NewSQLStore(pool, dialect.SQLite3, queryLimit, log), nil

	case "postgres":
		raw, err := db.OpenPostgres(dbCfg.DSN(), dbCfg.MaxConns, dbCfg.MinConns)
		if err != nil {
			return nil, err
		}
		pg := sqlx.NewDb(raw, dialect.PGX)
		return NewSQLStore(db.NewPool(pg, pg), dialect.PGX, queryLimit, log), nil

	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
