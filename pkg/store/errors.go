package store

import (
	"errors"
	"fmt"

	"github.com/risehq/rise/pkg/types"
)

var (
	// ErrDeploymentNotFound is returned when a deployment lookup matches no row.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrProjectNotFound is returned when a project lookup matches no row.
	ErrProjectNotFound = errors.New("project not found")

	// ErrConstraintViolation is returned when a write breaks a uniqueness or
	// foreign-key constraint.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrSerialization is returned when the database aborts a transaction due
	// to concurrent access. Callers retry on the next tick.
	ErrSerialization = errors.New("serialization failure")
)

// IllegalTransitionError is returned when a status mutation would violate
// the state machine. Reconciliation loops treat it as a benign race: a
// concurrent loop already moved the deployment.
type IllegalTransitionError struct {
	From types.DeploymentStatus
	To   types.DeploymentStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}
