package sqlmigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func count(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestApply_RecordsApplied(t *testing.T) {
	db := openDB(t)
	migrations := fstest.MapFS{
		"migrations/0001_create.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;"),
		},
		"migrations/README.md": &fstest.MapFile{Data: []byte("ignored")},
	}

	require.NoError(t, Apply(t.Context(), db, SQLite, migrations, "migrations"))
	require.Equal(t, 1, count(t, db, "SELECT COUNT(*) FROM schema_migrations"))
	require.Equal(t, 1, count(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='items'"))

	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM schema_migrations").Scan(&name))
	require.Equal(t, "migrations/0001_create.sql", name)

	// second run is a no-op
	require.NoError(t, Apply(t.Context(), db, SQLite, migrations, "migrations"))
	require.Equal(t, 1, count(t, db, "SELECT COUNT(*) FROM schema_migrations"))
}

func TestApply_FailedMigrationNotRecorded(t *testing.T) {
	db := openDB(t)
	bad := fstest.MapFS{
		"0001_bad.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREAT table things(id INT);")},
	}
	require.Error(t, Apply(t.Context(), db, SQLite, bad, ""))
	require.Equal(t, 0, count(t, db, "SELECT COUNT(*) FROM schema_migrations"))

	good := fstest.MapFS{
		"0001_bad.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE things(id INT);")},
	}
	require.NoError(t, Apply(t.Context(), db, SQLite, good, ""))
	require.Equal(t, 1, count(t, db, "SELECT COUNT(*) FROM schema_migrations"))
}

func TestExtractUp(t *testing.T) {
	require.Equal(t, "\nA;\n", ExtractUp("-- +migrate Up\nA;\n-- +migrate Down\nB;"))
	require.Equal(t, "\nA;", ExtractUp("-- +migrate Up\nA;"))
	require.Equal(t, "A;", ExtractUp("A;"))
}
