package persistence

import (
	"database/sql"
	"strconv"
	"strings"
)

// PostgresDialect targets PostgreSQL through the pgx stdlib driver.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

// Rebind rewrites "?" placeholders into "$1", "$2", ...
func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (PostgresDialect) BlobType() string { return "BYTEA" }

// NewPostgresStore initializes the schema in a PostgreSQL database and
// returns a new SQLStore. db is expected to use the "pgx" driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, PostgresDialect{})
}
