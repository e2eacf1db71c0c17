// Package payload shapes the outbound representation of a local entity.
// Some fields are owned by the remote system once an entity exists there
// (a key result's weight and impact, an initiative's is_new flag); the
// local side must never assert values for them, so they are stripped here
// regardless of what the local record holds.
package payload

import (
	"fmt"

	"okrsync/internal/domain"
)

// Envelope is the wire shape of one outbound entity. Kind tags which
// typed field set Fields carries; undeclared local keys never make it in.
type Envelope struct {
	ExternalID       string      `json:"external_id"`
	Kind             domain.Kind `json:"kind"`
	ParentExternalID string      `json:"parent_external_id,omitempty"`
	ScopeID          string      `json:"scope_id,omitempty"`
	Fields           any         `json:"fields"`
}

// Outbound computes the payload enqueued for delivery. The local record is
// left untouched; a field value that does not fit the kind's declared type
// is an error so malformed data never reaches the remote side.
func Outbound(spec domain.Spec, e domain.Entity) (Envelope, error) {
	if spec.Kind == "" {
		return Envelope{}, fmt.Errorf("no payload shape for kind %q", e.Kind)
	}
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	for _, owned := range spec.RemoteOwned {
		delete(fields, owned)
	}
	typed, err := domain.TypedFields(spec.Kind, fields)
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid %s fields: %w", spec.Kind, err)
	}
	return Envelope{
		ExternalID:       e.ExternalID,
		Kind:             e.Kind,
		ParentExternalID: e.ParentID,
		ScopeID:          e.ScopeID,
		Fields:           typed,
	}, nil
}
