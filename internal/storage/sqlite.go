package storage

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLite opens a single-connection SQLite store. It suits one worker process;
// multi-process deployments use Postgres.
func NewSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect), nil
}
