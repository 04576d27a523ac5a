package trace

import (
	"github.com/imTariful/LLM-evaluation/internal/storage"
)

// SQLiteStore is the default single-node Store.
type SQLiteStore struct {
	*sqlStore
	Path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{
		sqlStore: newSQLStore(db, storage.DriverSQLite),
		Path:     path,
	}, nil
}
