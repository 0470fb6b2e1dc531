package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

// Options selects and configures a backend.
type Options struct {
	Backend      string
	MongoURI     string
	DatabaseName string
}

// Open builds the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryBackend(), nil
	case BackendMongo:
		b, err := OpenMongo(ctx, opts.MongoURI, opts.DatabaseName)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, errors.Wrapf(model.ErrInvalidArgument, "unknown storage backend %q", opts.Backend)
}
