// Package pgstore opens the ledger on Postgres. Statements are shared with
// sqlstore and rebound to $n placeholders.
package pgstore

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/davidahmann/truemoneyx/internal/ledger/sqlstore"
)

func OpenPostgres(dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *sqlstore.Store {
	return sqlstore.NewWithDialect(db, sqlstore.Postgres)
}
