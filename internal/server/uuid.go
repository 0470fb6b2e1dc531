package server

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

const (
	UUIDRandom     = "random"
	UUIDSequential = "sequential"
)

// uuidGenerator returns 32 lowercase hex characters per call.
type uuidGenerator func() string

func newUUIDGenerator(algorithm string) (uuidGenerator, error) {
	switch algorithm {
	case "", UUIDRandom:
		return func() string {
			return strings.ReplaceAll(uuid.New().String(), "-", "")
		}, nil
	case UUIDSequential:
		// ULIDs are time ordered and monotonic within a millisecond
		return func() string {
			id := ulid.Make()
			return hex.EncodeToString(id[:])
		}, nil
	}
	return nil, errors.Wrapf(model.ErrInvalidArgument, "unknown uuid algorithm %q", algorithm)
}
