// internal/service/errors.go
package service

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"compensation-engine/internal/repository"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrMemberRemoved      = errors.New("member was removed from the network")
	ErrCycle              = errors.New("sponsor cycle detected")
	ErrInvariantViolation = errors.New("ledger invariant violated")
	ErrJobRunning         = errors.New("job is already running")
)

// ValidationError rejects input before any mutation happens
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError names the missing entity
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// notFound translates the repository sentinel into a NotFoundError
func notFound(err error, entity, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return err
}

var validate = validator.New()

// validateStruct runs the struct tags and reports the first failing field
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Namespace(), Message: "failed on " + fe.Tag()}
	}
	return &ValidationError{Field: "request", Message: err.Error()}
}
