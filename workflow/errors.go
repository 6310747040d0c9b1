package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/production-workflow/types"
)

// Error kinds returned by the engine. Match them with errors.Is.
var (
	ErrEntityNotFound    = errors.New("entity not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnauthorized      = errors.New("role not permitted")
	ErrGuardFailed       = errors.New("guard failed")
	ErrAlreadyInState    = errors.New("already in state")
	ErrPersistence       = errors.New("persistence error")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Table errors.
var (
	ErrRuleNotFound      = errors.New("transition rule not found")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrTableFrozen       = errors.New("state table is frozen")
)

// TransitionError carries the diagnostics of a failed Execute call.
type TransitionError struct {
	Kind         error
	Ref          types.EntityRef
	Transition   string
	CurrentState types.State
	TargetState  types.State
	Role         types.Role
	AllowedRoles []types.Role
	// Reason is the user-facing explanation; guard reasons are kept verbatim.
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	switch e.Kind {
	case ErrGuardFailed:
		return e.Reason
	case ErrIllegalTransition:
		return fmt.Sprintf("illegal transition %q for %s: no rule from %q to %q", e.Transition, e.Ref, e.CurrentState, e.TargetState)
	case ErrUnauthorized:
		roles := make([]string, len(e.AllowedRoles))
		for i, r := range e.AllowedRoles {
			roles[i] = string(r)
		}
		return fmt.Sprintf("role %q may not perform %q (allowed: %s)", e.Role, e.Transition, strings.Join(roles, ", "))
	case ErrAlreadyInState:
		return fmt.Sprintf("%s is already in state %q", e.Ref, e.CurrentState)
	case ErrEntityNotFound:
		return fmt.Sprintf("entity %s not found", e.Ref)
	}
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

func (e *TransitionError) Is(target error) bool {
	return e.Kind == target
}

func kindOf(err error, kind error) bool {
	var te *TransitionError
	return errors.As(err, &te) && te.Kind == kind
}

// IsEntityNotFound checks if an error is an entity-not-found error.
func IsEntityNotFound(err error) bool { return kindOf(err, ErrEntityNotFound) }

// IsIllegalTransition checks if no rule matched the requested transition.
func IsIllegalTransition(err error) bool { return kindOf(err, ErrIllegalTransition) }

// IsUnauthorized checks if the actor role was not permitted.
func IsUnauthorized(err error) bool { return kindOf(err, ErrUnauthorized) }

// IsGuardFailed checks if a business precondition was unmet.
func IsGuardFailed(err error) bool { return kindOf(err, ErrGuardFailed) }

// IsAlreadyInState checks for the idempotent no-op outcome.
func IsAlreadyInState(err error) bool { return kindOf(err, ErrAlreadyInState) }

// IsPersistence checks if storage failed after the internal retry.
func IsPersistence(err error) bool { return kindOf(err, ErrPersistence) }

// Reason returns the user-facing reason of a TransitionError, or err's message.
func Reason(err error) string {
	var te *TransitionError
	if errors.As(err, &te) && te.Reason != "" {
		return te.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
