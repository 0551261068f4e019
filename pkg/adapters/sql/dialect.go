package sql

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name string
	// Driver is the database/sql driver name.
	Driver string
	// BlobType is the column type of payloads.
	BlobType string
	// Numbered placeholders ($1, $2) instead of '?'.
	Numbered bool
	// LockSuffix is appended to version checks made during commit.
	LockSuffix string
}

var (
	// SQLite uses the pure-Go modernc.org/sqlite driver.
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite", BlobType: "BLOB"}

	// Postgres uses pgx through its database/sql adapter.
	Postgres = Dialect{Name: "postgres", Driver: "pgx", BlobType: "BYTEA", Numbered: true, LockSuffix: " FOR UPDATE"}
)

// rebind rewrites '?' placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
