package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/sakif/farmsync/internal/repository"
)

var _ repository.DocumentStore = (*DB)(nil)

// writeRetryMaxElapsed bounds how long a write keeps retrying while another
// process (for example `farmd legacy import`) holds the write lock.
const writeRetryMaxElapsed = 10 * time.Second

// DB is the remote database: a JSON document tree plus the accounts table.
//
// STORAGE LAYOUT:
// Each row of `documents` holds a JSON value at a slash path. The tree keeps
// one invariant: no row has an ancestor row. A value written at
// "users/a/variance" lives in one row; a later write to
// "users/a/variance/last30" is merged into that row rather than creating a
// child, and a write to "users/a" first folds every descendant away.
type DB struct {
	conn *sql.DB
	hub  *hub
	now  func() time.Time
}

// OpenRemote opens (or creates) the remote database at dbPath.
func OpenRemote(dbPath string) (*DB, error) {
	conn, err := open(dbPath, remoteSchema)
	if err != nil {
		return nil, err
	}
	db := &DB{conn: conn, now: time.Now}
	db.hub = newHub(db)
	return db, nil
}

// Close closes every open subscription and the connection pool.
func (db *DB) Close() error {
	db.hub.closeAll()
	return db.conn.Close()
}

// GenerateID returns collection/<xid>. xids sort by creation time, so
// children of a collection list in insertion order.
func (db *DB) GenerateID(collection string) string {
	return repository.CleanPath(collection) + "/" + xid.New().String()
}

// ServerTimestamp returns the store's clock in epoch milliseconds.
func (db *DB) ServerTimestamp() int64 {
	return db.now().UnixMilli()
}

// Read returns the subtree at p.
//
// Either an ancestor (or p itself) holds the value, in which case we descend
// into that row's JSON, or the value is spread over descendant rows, in which
// case we assemble them into one object.
func (db *DB) Read(ctx context.Context, p string) (json.RawMessage, bool, error) {
	segs := repository.SplitPath(p)
	if len(segs) == 0 {
		return nil, false, fmt.Errorf("sqlite: reading document: empty path")
	}
	p = strings.Join(segs, "/")

	holder, raw, err := findHolder(ctx, db.conn, segs, true)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: reading %s: %w", p, err)
	}
	if holder != "" {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false, fmt.Errorf("sqlite: decoding %s: %w", holder, err)
		}
		rest := segs[len(repository.SplitPath(holder)):]
		v, ok := descend(v, rest)
		if !ok {
			return nil, false, nil
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, false, fmt.Errorf("sqlite: encoding %s: %w", p, err)
		}
		return out, true, nil
	}

	lo, hi := childRange(p)
	rows, err := db.conn.QueryContext(ctx,
		`SELECT path, value FROM documents WHERE path >= ? AND path < ? ORDER BY path`,
		lo, hi,
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: reading children of %s: %w", p, err)
	}
	defer rows.Close()

	var tree map[string]any
	for rows.Next() {
		var childPath, childValue string
		if err := rows.Scan(&childPath, &childValue); err != nil {
			return nil, false, fmt.Errorf("sqlite: scanning document row: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(childValue), &v); err != nil {
			return nil, false, fmt.Errorf("sqlite: decoding %s: %w", childPath, err)
		}
		if tree == nil {
			tree = make(map[string]any)
		}
		tree = setIn(tree, repository.SplitPath(strings.TrimPrefix(childPath, p+"/")), v).(map[string]any)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("sqlite: iterating children of %s: %w", p, err)
	}
	if tree == nil {
		return nil, false, nil
	}

	out, err := json.Marshal(tree)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: encoding %s: %w", p, err)
	}
	return out, true, nil
}

// Write replaces the subtree at p with value. A nil value or JSON null
// deletes the subtree. Subscribers related to p are woken after commit.
func (db *DB) Write(ctx context.Context, p string, value any) error {
	segs := repository.SplitPath(p)
	if len(segs) == 0 {
		return fmt.Errorf("sqlite: writing document: empty path")
	}
	p = strings.Join(segs, "/")

	encoded, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("sqlite: encoding value for %s: %w", p, err)
	}

	op := func() error {
		err := db.writeTx(ctx, segs, encoded)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = writeRetryMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("sqlite: writing %s: %w", p, err)
	}

	db.hub.notify(p)
	return nil
}

// writeTx applies one write inside a transaction. encoded == nil deletes.
func (db *DB) writeTx(ctx context.Context, segs []string, encoded []byte) error {
	p := strings.Join(segs, "/")

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	lo, hi := childRange(p)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE path = ? OR (path >= ? AND path < ?)`,
		p, lo, hi,
	); err != nil {
		return fmt.Errorf("clearing subtree: %w", err)
	}

	holder, raw, err := findHolder(ctx, tx, segs, false)
	if err != nil {
		return err
	}

	now := db.now()
	switch {
	case holder != "":
		// Merge into the ancestor that already owns this part of the tree.
		var root any
		if err := json.Unmarshal([]byte(raw), &root); err != nil {
			return fmt.Errorf("decoding %s: %w", holder, err)
		}
		rest := segs[len(repository.SplitPath(holder)):]
		if encoded == nil {
			root = deleteIn(root, rest)
		} else {
			var v any
			if err := json.Unmarshal(encoded, &v); err != nil {
				return fmt.Errorf("decoding value: %w", err)
			}
			root = setIn(root, rest, v)
		}
		if m, ok := root.(map[string]any); root == nil || (ok && len(m) == 0) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, holder); err != nil {
				return fmt.Errorf("pruning %s: %w", holder, err)
			}
			break
		}
		merged, err := json.Marshal(root)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", holder, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET value = ?, updated_at = ? WHERE path = ?`,
			string(merged), now, holder,
		); err != nil {
			return fmt.Errorf("updating %s: %w", holder, err)
		}

	case encoded != nil:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (path, value, updated_at) VALUES (?, ?, ?)`,
			p, string(encoded), now,
		); err != nil {
			return fmt.Errorf("inserting %s: %w", p, err)
		}
	}

	return tx.Commit()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// findHolder returns the row that owns segs: the shallowest ancestor with a
// stored value, or segs itself when includeSelf is set. holder is "" when no
// such row exists.
func findHolder(ctx context.Context, q queryer, segs []string, includeSelf bool) (holder, value string, err error) {
	n := len(segs)
	if !includeSelf {
		n--
	}
	if n <= 0 {
		return "", "", nil
	}

	args := make([]any, 0, n)
	placeholders := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		args = append(args, strings.Join(segs[:i], "/"))
		placeholders = append(placeholders, "?")
	}

	err = q.QueryRowContext(ctx,
		`SELECT path, value FROM documents
		 WHERE path IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY length(path) LIMIT 1`,
		args...,
	).Scan(&holder, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("finding holder of %s: %w", strings.Join(segs, "/"), err)
	}
	return holder, value, nil
}

// childRange returns the half-open key range covering every descendant of p.
// '0' is the byte after '/', so [p/, p0) is exactly the "p/..." prefix.
func childRange(p string) (lo, hi string) {
	return p + "/", p + "0"
}

func encodeValue(value any) ([]byte, error) {
	var b []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		b = v
	default:
		var err error
		b, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func descend(v any, segs []string) (any, bool) {
	for _, s := range segs {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[s]
		if !ok || v == nil {
			return nil, false
		}
	}
	return v, true
}

// setIn stores v at segs below root, replacing non-object intermediates.
func setIn(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := root.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	m[segs[0]] = setIn(m[segs[0]], segs[1:], v)
	return m
}

// deleteIn removes segs below root. Objects left empty are pruned, the same
// way the tree never stores an empty node.
func deleteIn(root any, segs []string) any {
	if len(segs) == 0 {
		return nil
	}
	m, ok := root.(map[string]any)
	if !ok {
		return root
	}
	child := deleteIn(m[segs[0]], segs[1:])
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	return m
}
