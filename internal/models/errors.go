package models

import (
	"errors"
	"fmt"
)

// Validation failures. None of them is fatal to the process.
var (
	ErrDuplicateConnection  = errors.New("DuplicateConnection")
	ErrCrossTenantJoin      = errors.New("CrossTenantJoin")
	ErrOrganizationMismatch = errors.New("OrganizationMismatch")
	ErrUnauthorized         = errors.New("Unauthorized")
	ErrIllegalTransition    = errors.New("IllegalTransition")
	ErrNotFound             = errors.New("NotFound")
	ErrBadRequest           = errors.New("BadRequest")
	ErrInternal             = errors.New("Internal")
)

var kinds = []error{
	ErrDuplicateConnection,
	ErrCrossTenantJoin,
	ErrOrganizationMismatch,
	ErrUnauthorized,
	ErrIllegalTransition,
	ErrNotFound,
	ErrBadRequest,
	ErrInternal,
}

// Errorf wraps kind with a formatted detail message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// KindOf returns the taxonomy name of err. Unclassified errors are Internal.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ErrInternal.Error()
}
