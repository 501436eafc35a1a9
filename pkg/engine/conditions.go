package engine

import (
	"math"

	"adengine/pkg/models"
	"adengine/pkg/rules"
)

const defaultBetweenRange = 5.0

// valueFor extracts the numeric weather value a Condition reads (spec
// §4.5.1). An unrecognized parameter has no value.
func valueFor(param rules.Parameter, w *models.WeatherSnapshot) (float64, bool) {
	switch param {
	case rules.ParamTemperature:
		return w.Temperature, true
	case rules.ParamHumidity:
		return w.Humidity, true
	case rules.ParamWindSpeed:
		return w.WindSpeed, true
	case rules.ParamPrecipitation:
		return w.Precipitation, true
	case rules.ParamVisibility:
		return w.Visibility, true
	case rules.ParamCloudCover:
		return w.CloudCover, true
	default:
		return 0, false
	}
}

// evalCondition applies one Condition's operator against the current
// weather snapshot (spec §4.5.1).
func evalCondition(c rules.Condition, w *models.WeatherSnapshot) bool {
	v, ok := valueFor(c.Parameter, w)
	if !ok {
		return false
	}

	switch c.Operator {
	case rules.OpGreaterThan:
		return v > c.Value
	case rules.OpLessThan:
		return v < c.Value
	case rules.OpEquals:
		return math.Abs(v-c.Value) < 0.1
	case rules.OpBetween:
		r := defaultBetweenRange
		if c.Range != nil {
			r = *c.Range
		}
		return v >= c.Value-r && v <= c.Value+r
	default:
		return false
	}
}

// evalGroup reduces a Group's conditions via its BoolOperator.
func evalGroup(g rules.Group, w *models.WeatherSnapshot) bool {
	if len(g.Conditions) == 0 {
		return false
	}
	switch g.Operator {
	case rules.OperatorOR:
		for _, c := range g.Conditions {
			if evalCondition(c, w) {
				return true
			}
		}
		return false
	default: // AND
		for _, c := range g.Conditions {
			if !evalCondition(c, w) {
				return false
			}
		}
		return true
	}
}

// evalFlatList implements the legacy flat-list AND semantics; an empty list
// is false (spec §4.5.1).
func evalFlatList(conditions []rules.Condition, w *models.WeatherSnapshot) bool {
	if len(conditions) == 0 {
		return false
	}
	for _, c := range conditions {
		if !evalCondition(c, w) {
			return false
		}
	}
	return true
}

// evalLogic implements the nested Groups/global_operator grammar; an empty
// groups list is false (spec §4.5.1).
func evalLogic(logic *rules.ConditionLogic, w *models.WeatherSnapshot) bool {
	if len(logic.Groups) == 0 {
		return false
	}
	switch logic.GlobalOperator {
	case rules.OperatorOR:
		for _, g := range logic.Groups {
			if evalGroup(g, w) {
				return true
			}
		}
		return false
	default: // AND
		for _, g := range logic.Groups {
			if !evalGroup(g, w) {
				return false
			}
		}
		return true
	}
}

// evaluateConditions is the entry point spec §4.5 step 4 calls: prefer
// condition_logic when present, otherwise fall back to the flat list.
func evaluateConditions(rule *rules.Rule, w *models.WeatherSnapshot) bool {
	if rule.ConditionLogic != nil {
		return evalLogic(rule.ConditionLogic, w)
	}
	return evalFlatList(rule.Conditions, w)
}

// countConditions returns how many individual Condition comparisons a rule
// evaluates, for ExecutionMetrics.ConditionsEvaluated.
func countConditions(rule *rules.Rule) int {
	if rule.ConditionLogic != nil {
		n := 0
		for _, g := range rule.ConditionLogic.Groups {
			n += len(g.Conditions)
		}
		return n
	}
	return len(rule.Conditions)
}
