package domain

import (
	"fmt"
	"strconv"
)

// Action is the operation the user asked for.
type Action string

const (
	ActionCreate       Action = "create"
	ActionSearch       Action = "search"
	ActionUpdate       Action = "update"
	ActionGet          Action = "get"
	ActionOrder        Action = "order"
	ActionGreeting     Action = "greeting"
	ActionIntroduction Action = "introduction"
	ActionHelp         Action = "help"
	ActionUnknown      Action = "unknown"
)

// EntityType is the CRM object an action targets.
type EntityType string

const (
	EntityCustomer EntityType = "customer"
	EntityProduct  EntityType = "product"
	EntityOrder    EntityType = "order"
	EntityNone     EntityType = "none"
)

// ConfidenceThreshold is the minimum confidence at which an intent is
// dispatched to the CRM backend. Below it the assistant asks the user to
// rephrase instead of guessing.
const ConfidenceThreshold = 0.7

// Intent is the structured form of one user utterance.
type Intent struct {
	Action     Action         `json:"action"`
	EntityType EntityType     `json:"entity_type"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence"`
}

// Normalize clamps confidence into [0,1] and maps unrecognized action or
// entity values to their unknown forms. Returns the receiver for chaining.
func (in Intent) Normalize() Intent {
	switch in.Action {
	case ActionCreate, ActionSearch, ActionUpdate, ActionGet, ActionOrder,
		ActionGreeting, ActionIntroduction, ActionHelp:
	default:
		in.Action = ActionUnknown
	}
	switch in.EntityType {
	case EntityCustomer, EntityProduct, EntityOrder:
	default:
		in.EntityType = EntityNone
	}
	if in.Confidence < 0 {
		in.Confidence = 0
	}
	if in.Confidence > 1 {
		in.Confidence = 1
	}
	if in.Parameters == nil {
		in.Parameters = map[string]any{}
	}
	return in
}

// Actionable reports whether the intent clears the dispatch gate.
func (in Intent) Actionable() bool {
	return in.Confidence >= ConfidenceThreshold
}

// StringParam returns the named parameter as a string, or "" when absent
// or not representable.
func (in Intent) StringParam(key string) string {
	v, ok := in.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; IDs arrive this way.
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// IntParam returns the named parameter as an int64 with an ok flag.
// Accepts JSON numbers and numeric strings.
func (in Intent) IntParam(key string) (int64, bool) {
	v, ok := in.Parameters[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
