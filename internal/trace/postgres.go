package trace

import (
	"github.com/imTariful/LLM-evaluation/internal/storage"
)

// PostgresStore backs Store with a pgx connection pool. Concurrent writers
// rely on MVCC instead of the process-wide write lock used for SQLite.
type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := storage.OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: newSQLStore(db, storage.DriverPostgres)}, nil
}
