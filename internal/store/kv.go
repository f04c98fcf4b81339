package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: not found")

// Record is one key/value pair of a namespace.
type Record struct {
	Key   string
	Value []byte
}

// Get returns the value stored at (namespace, key).
// Returns ErrNotFound if the key does not exist.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set writes value at (namespace, key), replacing any previous value.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := execSet(ctx, s.db, namespace, key, value); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes (namespace, key). Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kv WHERE namespace = ? AND key = ?
	`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys returns every key of namespace in binary order.
// Returns an empty slice (not nil) for an empty namespace.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv WHERE namespace = ? ORDER BY key COLLATE BINARY ASC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// Scan returns every record of namespace in key order.
// Returns an empty slice (not nil) for an empty namespace.
func (s *Store) Scan(ctx context.Context, namespace string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM kv WHERE namespace = ? ORDER BY key COLLATE BINARY ASC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("query namespace: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate namespace: %w", err)
	}
	return records, nil
}

// Count returns the number of keys in namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM kv WHERE namespace = ?
	`, namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", namespace, err)
	}
	return n, nil
}

// DeleteNamespace removes every key of namespace and returns how many
// rows were deleted.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return n, nil
}

// Namespaces lists every namespace holding at least one key.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT namespace FROM kv ORDER BY namespace COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query namespaces: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate namespaces: %w", err)
	}
	return out, nil
}

type opKind int

const (
	opSet opKind = iota
	opDelete
	opDeleteNamespace
)

type op struct {
	kind      opKind
	namespace string
	key       string
	value     []byte
}

// Batch collects writes to apply atomically with Store.Apply.
// The zero value is ready to use. Operations apply in the order added.
type Batch struct {
	ops []op
}

// Set queues a write of value at (namespace, key).
func (b *Batch) Set(namespace, key string, value []byte) {
	b.ops = append(b.ops, op{kind: opSet, namespace: namespace, key: key, value: value})
}

// Delete queues removal of (namespace, key).
func (b *Batch) Delete(namespace, key string) {
	b.ops = append(b.ops, op{kind: opDelete, namespace: namespace, key: key})
}

// DeleteNamespace queues removal of every key in namespace.
func (b *Batch) DeleteNamespace(namespace string) {
	b.ops = append(b.ops, op{kind: opDeleteNamespace, namespace: namespace})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Apply executes every operation in b inside one transaction.
// Either all operations are applied or none are.
func (s *Store) Apply(ctx context.Context, b *Batch) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply batch: begin: %w", err)
	}
	defer tx.Rollback()

	for _, o := range b.ops {
		switch o.kind {
		case opSet:
			err = execSet(ctx, tx, o.namespace, o.key, o.value)
		case opDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, o.namespace, o.key)
		case opDeleteNamespace:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, o.namespace)
		}
		if err != nil {
			return fmt.Errorf("apply batch: %s/%s: %w", o.namespace, o.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply batch: commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execSet(ctx context.Context, e execer, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
	`, namespace, key, value)
	return err
}
