package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/farmsync/internal/repository"
)

var _ repository.KeyValueStore = (*DeviceDB)(nil)

// DeviceDB is device-local key/value storage. It never leaves this machine,
// which is exactly why the legacy farm pointer lives here.
type DeviceDB struct {
	conn *sql.DB
}

// OpenDevice opens (or creates) the device database at dbPath.
func OpenDevice(dbPath string) (*DeviceDB, error) {
	conn, err := open(dbPath, deviceSchema)
	if err != nil {
		return nil, err
	}
	return &DeviceDB{conn: conn}, nil
}

// Close closes the connection pool.
func (d *DeviceDB) Close() error {
	return d.conn.Close()
}

// Get returns the value stored under key.
func (d *DeviceDB) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: getting key %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (d *DeviceDB) Set(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: setting key %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (d *DeviceDB) Remove(ctx context.Context, key string) error {
	if _, err := d.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: removing key %s: %w", key, err)
	}
	return nil
}
