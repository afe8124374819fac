package storage

import (
	"fmt"

	"ranker/internal/common/errors"
)

// Type identifies a storage backend.
type Type string

const (
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
)

// Factory builds a Storage for the given backend type. Adapters register
// themselves here so the app package only depends on this package.
type Factory struct {
	builders map[Type]func() (Storage, error)
}

func NewFactory() *Factory {
	return &Factory{builders: make(map[Type]func() (Storage, error))}
}

// Register associates a backend type with its constructor.
func (f *Factory) Register(t Type, builder func() (Storage, error)) {
	f.builders[t] = builder
}

// Build constructs the storage for the given type.
func (f *Factory) Build(t Type) (Storage, error) {
	builder, ok := f.builders[t]
	if !ok {
		return nil, errors.ConfigError(fmt.Sprintf("unsupported storage type: %s", t))
	}
	return builder()
}
