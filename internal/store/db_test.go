package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDBMigratesIdempotently(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "timeclock.db")

	db, err := NewDB(ctx, DriverSQLite, path)
	require.NoError(t, err)
	_, err = db.Client.ExecContext(ctx, `UPDATE settings SET value = '07:30' WHERE key = 'scheduleStart'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.Healthy(ctx))

	var v string
	require.NoError(t, db.Client.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'scheduleStart'`).Scan(&v))
	assert.Equal(t, "07:30", v, "reopening must not reseed an edited setting")
}

func TestNewDBRejectsUnknownDriver(t *testing.T) {
	_, err := NewDB(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestHealthyOnNil(t *testing.T) {
	var db *DB
	assert.False(t, db.Healthy(context.Background()))
	assert.NoError(t, db.Close())
}
