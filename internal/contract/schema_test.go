// ABOUTME: Contract tests for the session database schema to detect breaking schema changes.
// ABOUTME: Validates that expected tables and columns exist in a freshly created SQLite store.

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/session"
)

// expectedSchema defines the contract for the session database.
// Existing deployments carry these columns; renaming one strands their data.
var expectedSchema = map[string][]string{
	"session_state": {
		"session_key", "snapshot", "updated_at", "alarm_at",
	},
	"session_messages": {
		"session_key", "idx", "role", "data", "created_at",
	},
	"gateway_config": {
		"key", "value", "updated_at",
	},
}

// setupTestDB creates a temporary SQLite database with the production schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	sqliteStore, err := session.NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create SQLite store")

	// The store owns its connection, so inspect through a second one.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		db.Close()
		sqliteStore.Close()
	})
	return db
}

// getTableColumns queries SQLite to get column names for a table.
func getTableColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns: %w", err)
	}
	return columns, nil
}

func TestSchemaSurface(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for table, expectedCols := range expectedSchema {
		t.Run(table, func(t *testing.T) {
			actualCols, err := getTableColumns(ctx, db, table)
			if !assert.NoError(t, err, "failed to get columns for table %s", table) {
				return
			}
			if !assert.NotEmpty(t, actualCols, "table %s should exist and have columns", table) {
				return
			}

			for _, col := range expectedCols {
				assert.True(t, actualCols[col], "column %s.%s should exist", table, col)
			}
			for col := range actualCols {
				if !slices.Contains(expectedCols, col) {
					t.Logf("INFO: extra column %s.%s not in contract (consider adding)", table, col)
				}
			}
		})
	}
}

func TestTablesExist(t *testing.T) {
	db := setupTestDB(t)

	rows, err := db.QueryContext(context.Background(), "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	require.NoError(t, err, "failed to query tables")
	defer rows.Close()

	actualTables := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name), "failed to scan table name")
		actualTables[name] = true
	}
	require.NoError(t, rows.Err(), "error iterating tables")

	for table := range expectedSchema {
		assert.True(t, actualTables[table], "table %s should exist", table)
	}
}

// TestMigrationIsIdempotent reopens an existing database and expects the schema unchanged.
func TestMigrationIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	for range 2 {
		s, err := session.NewSQLiteStore(dbPath)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	cols, err := getTableColumns(context.Background(), db, "session_state")
	require.NoError(t, err)
	assert.True(t, cols["alarm_at"])
}
