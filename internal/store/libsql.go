package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// libsqlPragmas tune the embedded database for one writer with many
// concurrent readers.
var libsqlPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// NewLibSQLStore opens the embedded libSQL database at path. A bare file
// path is turned into a file: URI.
func NewLibSQLStore(path string) (*SQLStore, error) {
	if !strings.Contains(path, ":") {
		path = "file:" + path
	}
	db, err := sql.Open(libsqlDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open libsql %s: %w", path, err)
	}
	// Instance writes go through optimistic version checks; a single
	// connection keeps them serialized inside the driver too.
	db.SetMaxOpenConns(1)

	// Pragmas are best effort: the driver rejects some on remote URIs.
	for _, pragma := range libsqlPragmas {
		var ignored string
		_ = db.QueryRow(pragma).Scan(&ignored)
	}
	return &SQLStore{db: db, dialect: libsqlDialect}, nil
}

var _ Store = (*SQLStore)(nil)
