package params

import (
	"errors"
	"fmt"

	"microstable/storage"
)

// StoreState captures the subset of state manager capabilities required by the
// parameter helpers.
type StoreState interface {
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

// DatabaseState adapts a key-value database to the StoreState port.
type DatabaseState struct {
	db storage.Database
}

// NewDatabaseState wraps db.
func NewDatabaseState(db storage.Database) *DatabaseState {
	return &DatabaseState{db: db}
}

func (s *DatabaseState) ParamStoreSet(name string, value []byte) error {
	if err := s.db.Put([]byte(name), value); err != nil {
		return fmt.Errorf("params: write %s: %w", name, err)
	}
	return nil
}

func (s *DatabaseState) ParamStoreGet(name string) ([]byte, bool, error) {
	raw, err := s.db.Get([]byte(name))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("params: read %s: %w", name, err)
	}
	return raw, true, nil
}
