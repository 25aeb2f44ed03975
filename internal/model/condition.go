package model

import "slices"

// ConditionOperator is a comparison applied to an event payload field.
type ConditionOperator string

const (
	OpEquals         ConditionOperator = "eq"
	OpNotEquals      ConditionOperator = "ne"
	OpGreaterThan    ConditionOperator = "gt"
	OpGreaterOrEqual ConditionOperator = "gte"
	OpLessThan       ConditionOperator = "lt"
	OpLessOrEqual    ConditionOperator = "lte"
	OpIn             ConditionOperator = "in"
	OpContains       ConditionOperator = "contains"
	OpExists         ConditionOperator = "exists"
)

// ValidOperators lists every supported operator.
var ValidOperators = []ConditionOperator{
	OpEquals, OpNotEquals, OpGreaterThan, OpGreaterOrEqual,
	OpLessThan, OpLessOrEqual, OpIn, OpContains, OpExists,
}

// IsValid checks if the operator is supported.
func (o ConditionOperator) IsValid() bool {
	return slices.Contains(ValidOperators, o)
}

// Condition filters events on a payload field addressed by a JSON path
// (for example "activity.type" or "catches.#.species").
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}
