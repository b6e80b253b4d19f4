package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the few places where SQLite and Postgres disagree. Queries are
// written with ? placeholders and rebound for drivers that expect $n.
type dialect struct {
	name          string
	timestampType string
	lockClause    string
	positional    bool
	isConflict    func(error) bool
}

var sqliteDialect = dialect{
	name:          "sqlite",
	timestampType: "DATETIME",
	// SetMaxOpenConns(1) serializes every transaction, so claims need no row locks.
	lockClause: "",
	isConflict: func(err error) bool {
		var se sqlite3.Error
		return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
	},
}

var postgresDialect = dialect{
	name:          "postgres",
	timestampType: "TIMESTAMPTZ",
	lockClause:    " FOR UPDATE SKIP LOCKED",
	positional:    true,
	isConflict: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d dialect) wrapConflict(err error) error {
	if err != nil && d.isConflict(err) {
		return ErrConflict
	}
	return err
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
