package domain

import (
	"encoding/json"
	"fmt"
)

// Typed field sets for the stored kinds. The generic write path works on
// the Fields map; the outbound payload narrows it through these structs,
// so only declared keys with matching types ever leave the workspace.

type ObjectiveFields struct {
	Description string `json:"description"`
	Period      string `json:"period,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
}

type KeyResultFields struct {
	IndicatorID string   `json:"indicator_id"`
	Description string   `json:"description,omitempty"`
	StartValue  *float64 `json:"start_value,omitempty"`
	TargetValue *float64 `json:"target_value,omitempty"`
	// Weight and Impact are remote-owned; they are kept locally for display
	// but never asserted outbound.
	Weight *float64 `json:"weight,omitempty"`
	Impact *float64 `json:"impact,omitempty"`
}

type RiskFields struct {
	IndicatorID string `json:"indicator_id,omitempty"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty" enum:"low,medium,high"`
}

type InitiativeFields struct {
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	// IsNew is remote-owned.
	IsNew *bool `json:"is_new,omitempty"`
}

type IndicatorFields struct {
	Description string `json:"description"`
	Unit        string `json:"unit,omitempty"`
	Direction   string `json:"direction,omitempty" enum:"up,down"`
}

type IndicatorValueFields struct {
	Timestamp string   `json:"timestamp" format:"date-time"`
	Value     float64  `json:"value"`
	Note      string   `json:"note,omitempty"`
	Delta     *float64 `json:"delta,omitempty"`
}

type IndicatorForecastFields struct {
	Timestamp  string   `json:"timestamp" format:"date-time"`
	Value      float64  `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type MilestoneFields struct {
	Description string `json:"description"`
	DueDate     string `json:"due_date,omitempty" format:"date"`
	Completed   bool   `json:"completed,omitempty"`
}

// TypedFields decodes a generic Fields map into the kind's struct. Keys
// the struct does not declare are dropped; a declared key holding a value
// of the wrong type is an error.
func TypedFields(kind Kind, m map[string]any) (any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindObjective:
		var f ObjectiveFields
		err = json.Unmarshal(b, &f)
		return f, err
	case KindKeyResult:
		var f KeyResultFields
		err = json.Unmarshal(b, &f)
		return f, err
	case KindRisk:
		var f RiskFields
		err = json.Unmarshal(b, &f)
		return f, err
	case KindInitiative:
		var f InitiativeFields
		err = json.Unmarshal(b, &f)
		return f, err
	case KindIndicator:
		var f IndicatorFields
		err = json.Unmarshal(b, &f)
		return f, err
	case KindIndicatorValue:
		var f IndicatorValueFields
		err = json.Unmarshal(b, &f)
		return f, err
	case KindIndicatorForecast:
		var f IndicatorForecastFields
		err = json.Unmarshal(b, &f)
		return f, err
	case KindMilestone:
		var f MilestoneFields
		err = json.Unmarshal(b, &f)
		return f, err
	}
	return nil, fmt.Errorf("no typed field set for kind %q", kind)
}

// FieldMap converts a typed field struct to the generic Fields map via its
// JSON shape, dropping empty optionals.
func FieldMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
