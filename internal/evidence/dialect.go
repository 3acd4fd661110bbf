package evidence

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

// dialect isolates the differences between the embedded and the server backend.
type dialect struct {
	name string
	// driver is the database/sql driver name.
	driver string
	// forUpdate is appended to selects of rows about to be rewritten.
	forUpdate string
	// types are substituted into the schema statements.
	types *strings.Replacer
	// contention reports whether err is a transient lock the write may retry.
	contention func(err error) bool
	// numbered rewrites ? placeholders to $1, $2, ...
	numbered bool
}

var sqliteDialect = dialect{
	name:       config.DriverSQLite,
	driver:     "sqlite",
	types:      strings.NewReplacer("{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{bigint}}", "INTEGER", "{{real}}", "REAL"),
	contention: sqliteContention,
}

var postgresDialect = dialect{
	name:       config.DriverPostgres,
	driver:     "postgres",
	forUpdate:  " FOR UPDATE",
	types:      strings.NewReplacer("{{id}}", "BIGSERIAL PRIMARY KEY", "{{bigint}}", "BIGINT", "{{real}}", "DOUBLE PRECISION"),
	contention: postgresContention,
	numbered:   true,
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case config.DriverSQLite, "":
		return sqliteDialect, nil
	case config.DriverPostgres:
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// rebind rewrites a query written with ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
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

// dsn prepares the configured connection string. SQLite connections get foreign keys,
// a busy timeout, WAL journaling and write-locking transactions.
func (d dialect) dsn(s config.Storage) string {
	if d.name != config.DriverSQLite {
		return s.DSN
	}
	busy := s.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	params := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_txlock=immediate",
	}
	sep := "?"
	if strings.Contains(s.DSN, "?") {
		sep = "&"
	}
	return s.DSN + sep + strings.Join(params, "&")
}

func sqliteContention(err error) bool {
	var se *sqlite.Error
	if stderrors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// postgresContention treats serialization failures, deadlocks and lock timeouts as
// transient. A unique violation is one too: two sessions raced to create the same IOC
// and the retry finds the row the winner wrote.
func postgresContention(err error) bool {
	var pe *pq.Error
	if !stderrors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case "40001", "40P01", "55P03", "23505":
		return true
	}
	return false
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
