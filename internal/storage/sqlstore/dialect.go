package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"saldo/internal/core"
)

// Dialect captures the differences between the supported engines.
type Dialect struct {
	Name string
	// driver is the database/sql driver name registered by the engine package.
	driver string
	// forUpdate is appended to row reads that must lock the row until commit.
	forUpdate string
	numbered  bool
	classify  func(error) error
}

var (
	// SQLite serializes writers at BEGIN IMMEDIATE, so row locks are implicit.
	SQLite = Dialect{
		Name:     "sqlite",
		driver:   "sqlite",
		classify: classifySQLite,
	}
	Postgres = Dialect{
		Name:      "postgres",
		driver:    "postgres",
		forUpdate: " FOR UPDATE",
		numbered:  true,
		classify:  classifyPostgres,
	}
)

// rebind rewrites ? placeholders into $n for engines that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
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

// translate maps driver failures onto the core error taxonomy while keeping
// the original error in the chain.
func (d Dialect) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	if kind := d.classify(err); kind != nil {
		return fmt.Errorf("%s: %w: %w", op, kind, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func classifySQLite(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return nil
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return core.ErrDuplicate
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return core.ErrStorageConflict
	case sqlite3.SQLITE_CONSTRAINT:
		// Without extended result codes only the message tells them apart.
		if strings.Contains(se.Error(), "UNIQUE") {
			return core.ErrDuplicate
		}
	}
	return nil
}

// PostgreSQL SQLSTATE codes.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

func classifyPostgres(err error) error {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return nil
	}
	switch string(pe.Code) {
	case pqSerializationFailure, pqDeadlockDetected:
		return core.ErrStorageConflict
	case pqUniqueViolation:
		return core.ErrDuplicate
	}
	return nil
}
