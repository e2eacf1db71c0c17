package domain

// Kind identifies one of the locally tracked entity kinds.
type Kind string

const (
	KindObjective         Kind = "objective"
	KindKeyResult         Kind = "key_result"
	KindRisk              Kind = "risk"
	KindInitiative        Kind = "initiative"
	KindIndicator         Kind = "indicator"
	KindIndicatorValue    Kind = "indicator_value"
	KindIndicatorForecast Kind = "indicator_forecast"
	KindMilestone         Kind = "milestone"

	// Scope kinds are remote-owned references; they never get local rows.
	KindTeam    Kind = "team"
	KindCompany Kind = "company"
	KindUser    Kind = "user"
)

// StoredKinds lists the kinds persisted in the local entities table,
// in parent-before-child order.
var StoredKinds = []Kind{
	KindObjective,
	KindIndicator,
	KindKeyResult,
	KindRisk,
	KindInitiative,
	KindIndicatorValue,
	KindIndicatorForecast,
	KindMilestone,
}

var allKinds = map[Kind]bool{
	KindObjective: true, KindKeyResult: true, KindRisk: true,
	KindInitiative: true, KindIndicator: true, KindIndicatorValue: true,
	KindIndicatorForecast: true, KindMilestone: true,
	KindTeam: true, KindCompany: true, KindUser: true,
}

// ValidKind reports whether k is a known kind, scope kinds included.
func ValidKind(k Kind) bool { return allKinds[k] }

// StoredKind reports whether k has a local table representation.
func StoredKind(k Kind) bool {
	_, ok := Specs[k]
	return ok
}

// Sync status of a local entity row.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// Outbox record statuses.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxSuccess    = "success"
	OutboxFailed     = "failed"
)

// Ref declares a reference from an entity to another locally stored kind,
// carried in the entity's field set.
type Ref struct {
	Field    string
	Kind     Kind
	Optional bool
}

// Spec describes how one entity kind participates in the write path:
// which parent it must resolve, which scope id it carries, which fields
// form its natural key, and which fields the remote system owns.
type Spec struct {
	Kind   Kind
	Parent Kind // locally stored parent, resolved before a child is accepted
	Scope  Kind // remote-owned scope reference, format-checked only
	Refs   []Ref

	// NaturalKeyFields name the inputs to deterministic id derivation, in
	// order. "scope" and "parent" select ScopeID/ParentID; anything else
	// selects a field value.
	NaturalKeyFields []string

	// RemoteOwned fields are stripped from outbound payloads.
	RemoteOwned []string
}

// Specs is the descriptor table driving the generic write path.
var Specs = map[Kind]Spec{
	KindObjective: {
		Kind:             KindObjective,
		Scope:            KindTeam,
		NaturalKeyFields: []string{"scope", "description"},
	},
	KindKeyResult: {
		Kind:             KindKeyResult,
		Parent:           KindObjective,
		Scope:            KindTeam,
		Refs:             []Ref{{Field: "indicator_id", Kind: KindIndicator}},
		NaturalKeyFields: []string{"scope", "parent", "indicator_id"},
		RemoteOwned:      []string{"weight", "impact"},
	},
	KindRisk: {
		Kind:             KindRisk,
		Parent:           KindKeyResult,
		Refs:             []Ref{{Field: "indicator_id", Kind: KindIndicator, Optional: true}},
		NaturalKeyFields: []string{"parent", "description"},
	},
	KindInitiative: {
		Kind:             KindInitiative,
		Parent:           KindRisk,
		NaturalKeyFields: []string{"parent", "description"},
		RemoteOwned:      []string{"is_new"},
	},
	KindIndicator: {
		Kind:             KindIndicator,
		Scope:            KindCompany,
		NaturalKeyFields: []string{"scope", "description"},
	},
	KindIndicatorValue: {
		Kind:             KindIndicatorValue,
		Parent:           KindIndicator,
		NaturalKeyFields: []string{"parent", "timestamp"},
	},
	KindIndicatorForecast: {
		Kind:             KindIndicatorForecast,
		Parent:           KindIndicator,
		NaturalKeyFields: []string{"parent", "timestamp"},
	},
	KindMilestone: {
		Kind:             KindMilestone,
		Parent:           KindIndicator,
		NaturalKeyFields: []string{"parent", "description"},
	},
}

// NaturalKey extracts the natural-key parts for e per its spec. The second
// return is false when any part is missing, in which case no stable key
// exists and a random id applies.
func (s Spec) NaturalKey(e Entity) ([]string, bool) {
	parts := make([]string, 0, len(s.NaturalKeyFields))
	for _, f := range s.NaturalKeyFields {
		var v string
		switch f {
		case "scope":
			v = e.ScopeID
		case "parent":
			v = e.ParentID
		default:
			v, _ = e.Fields[f].(string)
		}
		if v == "" {
			return nil, false
		}
		parts = append(parts, v)
	}
	return parts, true
}

// Entity is one local row of any stored kind. Typed business fields live
// in Fields; per-kind shapes are documented by the structs in fields.go.
type Entity struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	ExternalID string         `json:"external_id"`
	ParentID   string         `json:"parent_external_id,omitempty"`
	ScopeID    string         `json:"scope_id,omitempty"`
	Fields     map[string]any `json:"fields"`
	SyncStatus string         `json:"sync_status" enum:"pending,synced,failed"`
	DeletedAt  *string        `json:"deleted_at,omitempty" format:"date-time"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

// OutboxRecord is one queued delivery. Records are append-only from the
// write path's point of view; only the drain loop transitions them.
type OutboxRecord struct {
	ID            int64  `json:"id"`
	Kind          Kind   `json:"kind"`
	ExternalID    string `json:"external_id"`
	PayloadJSON   string `json:"payload_json"`
	Status        string `json:"status" enum:"pending,processing,success,failed"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt string `json:"last_attempt_at,omitempty" format:"date-time"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// SyncLogRecord is one confirmed delivery, append-only.
type SyncLogRecord struct {
	ID         int64  `json:"id"`
	Kind       Kind   `json:"kind"`
	ExternalID string `json:"external_id"`
	RemoteID   string `json:"remote_id,omitempty"`
	Action     string `json:"action" enum:"create,update"`
	SyncedAt   string `json:"synced_at" format:"date-time"`
}

// SyncConfig is the persisted endpoint singleton the drain loop reads.
type SyncConfig struct {
	EndpointURL     string `json:"endpoint_url"`
	KeyPrefix       string `json:"key_prefix"`
	SigningSecret   string `json:"-"`
	AutoSyncEnabled bool   `json:"auto_sync_enabled"`
	SyncIntervalMs  int    `json:"sync_interval_ms"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}
