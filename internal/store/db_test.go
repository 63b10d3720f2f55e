package store

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNewDB_CreatesDirectory verifies that NewDB creates the parent directory if missing.
func TestNewDB_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed even with nested non-existent directories")
	defer db.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err, "Directory should exist after NewDB")
	require.True(t, info.IsDir(), "Should be a directory")

	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0700), info.Mode().Perm(), "Directory should have 0700 permissions")
	}
}

// TestNewDB_RunsMigrations verifies that NewDB runs migrations and creates the executions table.
func TestNewDB_RunsMigrations(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed")
	defer db.Close()

	var tableName string
	err = db.conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='executions'",
	).Scan(&tableName)
	require.NoError(t, err, "executions table should exist after migrations")
	require.Equal(t, "executions", tableName)
}

// TestNewDB_RecordsSchemaVersion verifies that applied migrations are
// tracked in schema_migrations and that reopening applies nothing new.
func TestNewDB_RecordsSchemaVersion(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err, "First NewDB should succeed")

	var version int64
	err = db1.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	require.NoError(t, err, "schema_migrations should exist")
	require.Equal(t, int64(1), version, "Initial migration should be recorded as version 1")
	db1.Close()

	db2, err := NewDB(dbPath)
	require.NoError(t, err, "Reopen should succeed with all migrations already applied")
	defer db2.Close()

	var rows int
	err = db2.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&rows)
	require.NoError(t, err)
	require.Equal(t, 1, rows, "Reopening must not re-apply or duplicate migrations")
}

// TestMigrationVersion verifies the filename version prefix parsing.
func TestMigrationVersion(t *testing.T) {
	version, err := migrationVersion("migrations/0001_create_executions.up.sql")
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	_, err = migrationVersion("migrations/create_executions.up.sql")
	require.Error(t, err, "A filename without a numeric prefix should be rejected")
}

// TestNewDB_PreMigrationBackup verifies that a .bak file is created before migrations
// when an existing database file is present.
func TestNewDB_PreMigrationBackup(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err, "First NewDB should succeed")

	_, err = db1.conn.Exec(
		"INSERT INTO executions (id, kind, target_id, tenant_id, user_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		"x-1", "workflow", "wf.demo", "t1", "u1", "PENDING", 1000, 1000,
	)
	require.NoError(t, err, "Should be able to insert test data")
	db1.Close()

	db2, err := NewDB(dbPath)
	require.NoError(t, err, "Second NewDB should succeed")
	defer db2.Close()

	backupPath := dbPath + ".bak"
	info, err := os.Stat(backupPath)
	require.NoError(t, err, "Backup file should exist after second NewDB")
	require.False(t, info.IsDir(), "Backup should be a file")
	require.Greater(t, info.Size(), int64(0), "Backup file should have content")
}

// TestNewDB_WALMode verifies that WAL mode is enabled via PRAGMA query.
func TestNewDB_WALMode(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed")
	defer db.Close()

	var journalMode string
	err = db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err, "Should be able to query journal_mode")
	require.Equal(t, "wal", journalMode, "Journal mode should be WAL")
}

// TestNewDB_BusyTimeout verifies that busy timeout is set to 5000ms via PRAGMA query.
func TestNewDB_BusyTimeout(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed")
	defer db.Close()

	var busyTimeout int
	err = db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout)
	require.NoError(t, err, "Should be able to query busy_timeout")
	require.Equal(t, 5000, busyTimeout, "Busy timeout should be 5000ms")
}

// TestDB_Close verifies that connection closes cleanly.
func TestDB_Close(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := NewDB(dbPath)
	require.NoError(t, err, "NewDB should succeed")

	err = db.Close()
	require.NoError(t, err, "Close should succeed")

	err = db.conn.Ping()
	require.Error(t, err, "Ping should fail after Close")
}

// TestNewDB_MultipleCalls verifies that opening the same database twice is safe.
func TestNewDB_MultipleCalls(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := NewDB(dbPath)
	require.NoError(t, err, "First NewDB should succeed")
	defer db1.Close()

	db2, err := NewDB(dbPath)
	require.NoError(t, err, "Second NewDB should succeed (WAL mode allows concurrent access)")
	defer db2.Close()

	var count1, count2 int
	err = db1.conn.QueryRow("SELECT COUNT(*) FROM executions").Scan(&count1)
	require.NoError(t, err, "First connection should be able to query")

	err = db2.conn.QueryRow("SELECT COUNT(*) FROM executions").Scan(&count2)
	require.NoError(t, err, "Second connection should be able to query")
}
