package engine

import (
	"fmt"

	"okrsync/internal/domain"
)

// InvalidExternalIDError names the request field carrying a malformed or
// missing external identifier.
type InvalidExternalIDError struct {
	Field  string
	Value  string
	Reason string
}

func (e InvalidExternalIDError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%q)", e.Field, e.Reason, e.Value)
}

// ParentNotFoundError is a referential-integrity failure: the declared
// parent has no local row yet.
type ParentNotFoundError struct {
	Field      string
	Kind       domain.Kind
	ExternalID string
}

func (e ParentNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found locally; create the %s first", e.Field, e.ExternalID, e.Kind)
}

// NotFoundError reports a missing update or delete target.
type NotFoundError struct {
	Kind       domain.Kind
	ExternalID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ExternalID)
}
