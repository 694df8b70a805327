package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ─── Preferences ────────────────────────────────────────────────────────────
// Durable client state. Values are stored as text; a missing key reads as
// the zero value of the requested type.

// String returns the preference value for key, or "" if unset.
func (db *DB) String(ctx context.Context, key string) (string, error) {
	return getPreference(ctx, db.db, key)
}

// SetString stores value under key.
func (db *DB) SetString(ctx context.Context, key, value string) error {
	return setPreference(ctx, db.db, key, value)
}

// Bool returns the boolean preference for key, or false if unset.
func (db *DB) Bool(ctx context.Context, key string) (bool, error) {
	v, err := db.String(ctx, key)
	if err != nil || v == "" {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("preference %s: %w", key, err)
	}
	return b, nil
}

// SetBool stores a boolean preference.
func (db *DB) SetBool(ctx context.Context, key string, value bool) error {
	return db.SetString(ctx, key, strconv.FormatBool(value))
}

// Time returns the time preference for key, or the zero time if unset.
func (db *DB) Time(ctx context.Context, key string) (time.Time, error) {
	v, err := db.String(ctx, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	micros, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("preference %s: %w", key, err)
	}
	return time.UnixMicro(micros).UTC(), nil
}

// SetTime stores a time preference. Setting the zero time deletes the key.
func (db *DB) SetTime(ctx context.Context, key string, t time.Time) error {
	if t.IsZero() {
		return db.DeletePreference(ctx, key)
	}
	return db.SetString(ctx, key, strconv.FormatInt(t.UTC().UnixMicro(), 10))
}

// DeletePreference removes key. Deleting a missing key is not an error.
func (db *DB) DeletePreference(ctx context.Context, key string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPreference(ctx context.Context, q execer, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func setPreference(ctx context.Context, q execer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
