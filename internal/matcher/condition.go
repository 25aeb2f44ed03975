package matcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/seawatch/subscriptions/internal/model"
)

// ErrInvalidCondition is returned by ValidateCondition.
var ErrInvalidCondition = errors.New("invalid condition")

// ValidateCondition checks that a condition can be evaluated.
func ValidateCondition(c model.Condition) error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("%w: field is required", ErrInvalidCondition)
	}
	if !c.Operator.IsValid() {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
	}

	switch c.Operator {
	case model.OpGreaterThan, model.OpGreaterOrEqual, model.OpLessThan, model.OpLessOrEqual:
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("%w: %s needs a numeric value", ErrInvalidCondition, c.Operator)
		}
	case model.OpIn:
		if _, ok := toList(c.Value); !ok {
			return fmt.Errorf("%w: in needs a list value", ErrInvalidCondition)
		}
	case model.OpExists:
		if c.Value != nil {
			if _, ok := c.Value.(bool); !ok {
				return fmt.Errorf("%w: exists takes an optional boolean", ErrInvalidCondition)
			}
		}
	default:
		if c.Value == nil {
			return fmt.Errorf("%w: %s needs a value", ErrInvalidCondition, c.Operator)
		}
	}
	return nil
}

// MatchConditions reports whether payload satisfies every condition.
func MatchConditions(payload []byte, conditions []model.Condition) bool {
	if len(conditions) == 0 {
		return true
	}
	if !gjson.ValidBytes(payload) {
		return false
	}
	for _, c := range conditions {
		if !matchCondition(gjson.GetBytes(payload, c.Field), c) {
			return false
		}
	}
	return true
}

func matchCondition(res gjson.Result, c model.Condition) bool {
	if c.Operator == model.OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return res.Exists() == want
	}

	if !res.Exists() {
		return c.Operator == model.OpNotEquals
	}

	switch c.Operator {
	case model.OpEquals:
		return equal(res, c.Value)
	case model.OpNotEquals:
		return !equal(res, c.Value)
	case model.OpGreaterThan:
		return compare(res, c.Value, func(a, b float64) bool { return a > b })
	case model.OpGreaterOrEqual:
		return compare(res, c.Value, func(a, b float64) bool { return a >= b })
	case model.OpLessThan:
		return compare(res, c.Value, func(a, b float64) bool { return a < b })
	case model.OpLessOrEqual:
		return compare(res, c.Value, func(a, b float64) bool { return a <= b })
	case model.OpIn:
		list, ok := toList(c.Value)
		if !ok {
			return false
		}
		for _, v := range list {
			if equal(res, v) {
				return true
			}
		}
		return false
	case model.OpContains:
		if res.IsArray() {
			for _, item := range res.Array() {
				if equal(item, c.Value) {
					return true
				}
			}
			return false
		}
		return strings.Contains(res.String(), fmt.Sprint(c.Value))
	default:
		return false
	}
}

func equal(res gjson.Result, v any) bool {
	if f, ok := toFloat(v); ok && res.Type == gjson.Number {
		return res.Float() == f
	}
	if b, ok := v.(bool); ok {
		return (res.Type == gjson.True || res.Type == gjson.False) && res.Bool() == b
	}
	return res.String() == fmt.Sprint(v)
}

func compare(res gjson.Result, v any, op func(a, b float64) bool) bool {
	want, ok := toFloat(v)
	if !ok {
		return false
	}
	var got float64
	switch res.Type {
	case gjson.Number:
		got = res.Float()
	case gjson.String:
		f, err := strconv.ParseFloat(res.Str, 64)
		if err != nil {
			return false
		}
		got = f
	default:
		return false
	}
	return op(got, want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
