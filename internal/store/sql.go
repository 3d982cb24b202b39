package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/db"
	"github.com/cnapi/cnapi/internal/db/dialect"
)

// SQLStore keeps each bucket in its own table of JSON documents,
// with expression indexes over the declared fields. Queries are
// written with ? placeholders and rebound for the active driver.
type SQLStore struct {
	pool       *db.Pool
	driver     string
	mu         sync.RWMutex
	schemas    map[string]Bucket
	queryLimit int
	logger     *logger.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open connection pool. driver is one of the
// dialect constants.
func NewSQLStore(pool *db.Pool, driver string, queryLimit int, log *logger.Logger) *SQLStore {
	if queryLimit <= 0 {
		queryLimit = DefaultQueryLimit
	}
	return &SQLStore{
		pool:       pool,
		driver:     driver,
		schemas:    make(map[string]Bucket),
		queryLimit: queryLimit,
		logger:     log.WithFields(zap.String("component", "store.sql"), zap.String("driver", driver)),
	}
}

// RegisterBucket creates the bucket's table and expression indexes if
// they don't exist.
func (s *SQLStore) RegisterBucket(ctx context.Context, bucket Bucket) error {
	if err := validateBucketName(bucket.Name); err != nil {
		return err
	}
	for _, field := range bucket.Indexes {
		if !bucketNameRe.MatchString(field) {
			return fmt.Errorf("invalid index field name: %q", field)
		}
	}

	w := s.pool.Writer()
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		etag TEXT NOT NULL
	);
	`, bucket.Name)
	if _, err := w.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create table %s: %w", bucket.Name, err)
	}

	for _, field := range bucket.Indexes {
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)`,
			bucket.Name, field, bucket.Name, dialect.IndexExpr(s.driver, "value", field))
		if _, err := w.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index on %s.%s: %w", bucket.Name, field, err)
		}
	}

	s.mu.Lock()
	s.schemas[bucket.Name] = bucket
	s.mu.Unlock()
	return nil
}

func (s *SQLStore) schema(bucket string) (Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.schemas[bucket]
	return b, ok
}

// Put writes a document, enforcing the etag when one is given.
func (s *SQLStore) Put(ctx context.Context, bucket, key string, value []byte, etag string) (string, error) {
	if _, ok := s.schema(bucket); !ok {
		return "", ErrUnknownBucket
	}

	w := s.pool.Writer()
	newEtag := uuid.New().String()

	if etag == "" {
		query := w.Rebind(fmt.Sprintf(`
			INSERT INTO %s (key, value, etag) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, etag = excluded.etag
		`, bucket))
		if _, err := w.ExecContext(ctx, query, key, string(value), newEtag); err != nil {
			return "", fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
		}
		return newEtag, nil
	}

	query := w.Rebind(fmt.Sprintf(`
		UPDATE %s SET value = ?, etag = ? WHERE key = ? AND etag = ?
	`, bucket))
	res, err := w.ExecContext(ctx, query, string(value), newEtag, key, etag)
	if err != nil {
		return "", fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		return "", ErrEtagConflict
	}
	return newEtag, nil
}

// Get returns the document at key, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, bucket, key string) (*Item, error) {
	if _, ok := s.schema(bucket); !ok {
		return nil, ErrUnknownBucket
	}

	r := s.pool.Reader()
	query := r.Rebind(fmt.Sprintf(`SELECT value, etag FROM %s WHERE key = ?`, bucket))

	var value, etag string
	err := r.QueryRowContext(ctx, query, key).Scan(&value, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	return &Item{Key: key, Value: []byte(value), Etag: etag}, nil
}

// Delete removes the document at key. Absent keys are not an error.
func (s *SQLStore) Delete(ctx context.Context, bucket, key string) error {
	if _, ok := s.schema(bucket); !ok {
		return ErrUnknownBucket
	}

	w := s.pool.Writer()
	query := w.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, bucket))
	if _, err := w.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Find filters on indexed fields, pushing the predicate and ordering
// down into SQL. Missing fields coalesce to the empty string so all
// backends agree on comparison semantics.
func (s *SQLStore) Find(ctx context.Context, bucket string, filter Filter, opts FindOptions) ([]Item, error) {
	schema, ok := s.schema(bucket)
	if !ok {
		return nil, ErrUnknownBucket
	}
	if err := validateFilterFields(schema, filter, opts); err != nil {
		return nil, err
	}

	r := s.pool.Reader()

	query := fmt.Sprintf(`SELECT key, value, etag FROM %s`, bucket)
	var args []interface{}
	for i, cond := range filter {
		clause := fmt.Sprintf("COALESCE(%s, '') %s ?", dialect.JSONExtract(s.driver, "value", cond.Field), cond.Op)
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
		args = append(args, cond.Value)
	}

	query += " ORDER BY "
	for _, key := range opts.Sort {
		direction := "ASC"
		if key.Desc {
			direction = "DESC"
		}
		query += fmt.Sprintf("COALESCE(%s, '') %s, ", dialect.JSONExtract(s.driver, "value", key.Field), direction)
	}
	query += "key ASC"

	limit := opts.Limit
	if limit <= 0 || limit > s.queryLimit {
		limit = s.queryLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)

	rows, err := r.QueryContext(ctx, r.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", bucket, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var key, value, etag string
		if err := rows.Scan(&key, &value, &etag); err != nil {
			return nil, err
		}
		items = append(items, Item{Key: key, Value: []byte(value), Etag: etag})
	}
	return items, rows.Err()
}

// Batch applies all operations in one transaction. A conditional put
// that misses its etag rolls the whole batch back.
func (s *SQLStore) Batch(ctx context.Context, ops []Op) error {
	for _, op := range ops {
		if _, ok := s.schema(op.Bucket); !ok {
			return ErrUnknownBucket
		}
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch {
		case op.Remove:
			query := tx.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, op.Bucket))
			if _, err := tx.ExecContext(ctx, query, op.Key); err != nil {
				return fmt.Errorf("failed to delete %s/%s: %w", op.Bucket, op.Key, err)
			}

		case op.Etag != "":
			query := tx.Rebind(fmt.Sprintf(`
				UPDATE %s SET value = ?, etag = ? WHERE key = ? AND etag = ?
			`, op.Bucket))
			res, err := tx.ExecContext(ctx, query, string(op.Value), uuid.New().String(), op.Key, op.Etag)
			if err != nil {
				return fmt.Errorf("failed to update %s/%s: %w", op.Bucket, op.Key, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return ErrEtagConflict
			}

		default:
			query := tx.Rebind(fmt.Sprintf(`
				INSERT INTO %s (key, value, etag) VALUES (?, ?, ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value, etag = excluded.etag
			`, op.Bucket))
			if _, err := tx.ExecContext(ctx, query, op.Key, string(op.Value), uuid.New().String()); err != nil {
				return fmt.Errorf("failed to upsert %s/%s: %w", op.Bucket, op.Key, err)
			}
		}
	}

	return tx.Commit()
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}
