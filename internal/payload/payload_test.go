package payload_test

import (
	"encoding/json"
	"testing"

	"okrsync/internal/domain"
	"okrsync/internal/payload"
)

func floatPtr(v float64) *float64 { return &v }

func TestOutboundStripsRemoteOwnedFields(t *testing.T) {
	fields, err := domain.FieldMap(domain.KeyResultFields{
		IndicatorID: "acme:indicator:5c6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		TargetValue: floatPtr(100),
		Weight:      floatPtr(0.5),
		Impact:      floatPtr(3),
	})
	if err != nil {
		t.Fatalf("field map: %v", err)
	}
	e := domain.Entity{
		Kind:       domain.KindKeyResult,
		ExternalID: "acme:key_result:2f6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		ParentID:   "acme:objective:3a6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		ScopeID:    "acme:team:4b6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		Fields:     fields,
	}
	out, err := payload.Outbound(domain.Specs[domain.KindKeyResult], e)
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	kr, ok := out.Fields.(domain.KeyResultFields)
	if !ok {
		t.Fatalf("fields carry %T, want KeyResultFields", out.Fields)
	}
	if kr.Weight != nil || kr.Impact != nil {
		t.Fatalf("remote-owned values asserted outbound: %+v", kr)
	}
	if kr.TargetValue == nil || *kr.TargetValue != 100 {
		t.Fatalf("client-owned field dropped: %+v", kr)
	}
	if out.ParentExternalID != e.ParentID {
		t.Fatal("parent reference missing")
	}
	// source record untouched
	if _, present := e.Fields["weight"]; !present {
		t.Fatal("local record must keep its remote-owned fields")
	}
}

func TestOutboundInitiativeIsNew(t *testing.T) {
	e := domain.Entity{
		Kind:       domain.KindInitiative,
		ExternalID: "acme:initiative:2f6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		Fields:     map[string]any{"description": "Hire a team", "is_new": true},
	}
	out, err := payload.Outbound(domain.Specs[domain.KindInitiative], e)
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if out.Fields.(domain.InitiativeFields).IsNew != nil {
		t.Fatal("is_new must not be asserted outbound")
	}
}

func TestOutboundDropsUndeclaredKeys(t *testing.T) {
	e := domain.Entity{
		Kind:       domain.KindObjective,
		ExternalID: "acme:objective:2f6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		ScopeID:    "acme:team:4b6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		Fields:     map[string]any{"description": "Grow revenue", "internal_note": "do not send"},
	}
	out, err := payload.Outbound(domain.Specs[domain.KindObjective], e)
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if out.Fields.(domain.ObjectiveFields).Description != "Grow revenue" {
		t.Fatal("declared field not carried through")
	}
	wire, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Fields           map[string]any `json:"fields"`
		ParentExternalID *string        `json:"parent_external_id"`
	}
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("decode wire shape: %v", err)
	}
	if _, present := decoded.Fields["internal_note"]; present {
		t.Fatal("undeclared key leaked into the wire payload")
	}
	if decoded.ParentExternalID != nil {
		t.Fatal("objective has no parent")
	}
}

func TestOutboundRejectsMistypedValue(t *testing.T) {
	e := domain.Entity{
		Kind:       domain.KindIndicatorValue,
		ExternalID: "acme:indicator_value:2f6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		ParentID:   "acme:indicator:3a6e2e1e-9c2b-4f7a-8c1d-1a2b3c4d5e6f",
		Fields:     map[string]any{"timestamp": "2024-06-01T00:00:00Z", "value": "not a number"},
	}
	if _, err := payload.Outbound(domain.Specs[domain.KindIndicatorValue], e); err == nil {
		t.Fatal("mistyped value must not produce a payload")
	}
}
