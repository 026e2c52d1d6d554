package store

import (
	"strconv"
	"strings"
)

// dialect captures the few SQL differences between the supported databases.
type dialect struct {
	name          string
	driver        string
	migrationsDir string
	dollarParams  bool // $1, $2 ... instead of ?
}

var (
	libsqlDialect   = dialect{name: "libsql", driver: "libsql", migrationsDir: "migrations/libsql"}
	postgresDialect = dialect{name: "postgres", driver: "pgx", migrationsDir: "migrations/postgres", dollarParams: true}
)

// rebind rewrites ? placeholders for dialects that use numbered parameters.
// Queries never embed literal question marks.
func (d dialect) rebind(query string) string {
	if !d.dollarParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// placeholders returns "?, ?, ?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
