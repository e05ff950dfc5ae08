package persistence

import "database/sql"

// SQLiteDialect targets SQLite through a driver such as modernc.org/sqlite.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Rebind(query string) string { return query }

func (SQLiteDialect) BlobType() string { return "BLOB" }

// NewSQLiteStore initializes the schema in a SQLite database and returns a
// new SQLStore. A single shared in-memory database must be opened with
// "file::memory:?cache=shared" or limited to one connection.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, SQLiteDialect{})
}
