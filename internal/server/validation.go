package server

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

var (
	dbNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)
)

const designPrefix = "_design/"

func validateDatabaseName(name string) error {
	if name == "" {
		return errors.Wrap(model.ErrInvalidArgument, "database name cannot be empty")
	}
	if len(name) > 238 {
		return errors.Wrap(model.ErrInvalidArgument, "database name too long")
	}
	if !dbNameRegex.MatchString(name) {
		return errors.Wrapf(model.ErrInvalidArgument, "illegal database name %q", name)
	}
	return nil
}

// validateDocID rejects empty ids and ids in the reserved underscore space
// other than design documents.
func validateDocID(id string) error {
	if id == "" {
		return errors.Wrap(model.ErrInvalidArgument, "document id cannot be empty")
	}
	if strings.HasPrefix(id, "_") {
		if strings.HasPrefix(id, designPrefix) && len(id) > len(designPrefix) {
			return nil
		}
		return errors.Wrapf(model.ErrInvalidArgument, "only reserved document ids may start with underscore: %q", id)
	}
	return nil
}

func validateAttachmentName(name string) error {
	if name == "" {
		return errors.Wrap(model.ErrInvalidArgument, "attachment name cannot be empty")
	}
	if strings.HasPrefix(name, "_") {
		return errors.Wrapf(model.ErrInvalidArgument, "attachment name %q cannot start with underscore", name)
	}
	return nil
}
