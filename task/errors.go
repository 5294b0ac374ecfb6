package task

import (
	"errors"
	"fmt"
)

// Kind classifies domain failures so callers can map them to responses.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindInvalid             Kind = "Invalid"
	KindInvalidHierarchy    Kind = "InvalidHierarchy"
	KindHasDependents       Kind = "HasDependents"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindUnauthorized        Kind = "Unauthorized"
	KindOutOfRange          Kind = "OutOfRange"
	KindProjectMismatch     Kind = "ProjectMismatch"
	KindMilestoneIncomplete Kind = "MilestoneIncomplete"
)

// Error is a domain failure carrying its Kind and a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Reason
}

// Is matches any *Error of the same Kind, so errors.Is(err, &Error{Kind: k})
// works regardless of the reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func notFound(entity, id string) error {
	return Errorf(KindNotFound, "%s %s not found", entity, id)
}
