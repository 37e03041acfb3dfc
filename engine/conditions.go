// Copyright 2025 SocialGuard
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// maxConditionDepth guards compound-condition recursion against
// hand-crafted policies with pathological nesting.
const maxConditionDepth = 32

// evaluateRuleConditions evaluates every condition of a rule, even after one
// has failed, so callers can observe all failures. The boolean is true only
// when all conditions passed (an empty list is trivially true).
func evaluateRuleConditions(conds []Condition, ec *EvaluationContext, now time.Time) ([]ConditionResult, bool) {
	results := make([]ConditionResult, 0, len(conds))
	allPassed := true
	for _, c := range conds {
		r := evaluateCondition(c, ec, now, 0)
		if !r.Passed {
			allPassed = false
		}
		results = append(results, r)
	}
	return results, allPassed
}

// evaluateCondition evaluates a single condition node. Any panic inside the
// node yields a failed result with an error annotation instead of aborting
// the evaluation.
func evaluateCondition(cond Condition, ec *EvaluationContext, now time.Time, depth int) (result ConditionResult) {
	result = ConditionResult{Type: cond.Type, Field: cond.Field, Operator: cond.Operator}

	defer func() {
		if r := recover(); r != nil {
			result.Passed = false
			result.Error = fmt.Sprintf("condition panicked: %v", r)
		}
	}()

	if depth > maxConditionDepth {
		result.Error = "condition depth exceeded"
		return result
	}

	switch cond.Type {
	case ConditionField:
		result.Passed, result.Error = evaluateFieldCondition(cond, ec, now)
	case ConditionTime:
		result.Passed, result.Error = evaluateTimeCondition(cond, now)
	case ConditionCompound:
		result.Children, result.Passed, result.Error = evaluateCompoundCondition(cond, ec, now, depth)
	default:
		result.Error = fmt.Sprintf("unknown condition type: %s", cond.Type)
	}

	return result
}

// evaluateCompoundCondition applies and/or/not over the children. "not"
// negates the first child only; the remaining children are still evaluated
// so they show up in the audit trail, but do not affect the result.
func evaluateCompoundCondition(cond Condition, ec *EvaluationContext, now time.Time, depth int) ([]ConditionResult, bool, string) {
	children := make([]ConditionResult, 0, len(cond.Conditions))
	for _, child := range cond.Conditions {
		children = append(children, evaluateCondition(child, ec, now, depth+1))
	}

	switch cond.Operator {
	case OpAnd:
		for _, c := range children {
			if !c.Passed {
				return children, false, ""
			}
		}
		return children, true, ""
	case OpOr:
		for _, c := range children {
			if c.Passed {
				return children, true, ""
			}
		}
		return children, false, ""
	case OpNot:
		if len(children) == 0 {
			return children, false, "not requires at least one child condition"
		}
		return children, !children[0].Passed, ""
	default:
		return children, false, fmt.Sprintf("unknown compound operator: %s", cond.Operator)
	}
}

// evaluateFieldCondition evaluates one field condition against the context.
func evaluateFieldCondition(cond Condition, ec *EvaluationContext, now time.Time) (bool, string) {
	actual := resolveField(ec, cond.Field, now)

	switch cond.Operator {
	case OpEquals:
		return valuesEqual(actual, cond.Value), ""
	case OpNotEquals:
		return !valuesEqual(actual, cond.Value), ""
	case OpGT:
		return compareValues(actual, cond.Value) > 0, ""
	case OpGTE:
		return compareValues(actual, cond.Value) >= 0, ""
	case OpLT:
		return compareValues(actual, cond.Value) < 0, ""
	case OpLTE:
		return compareValues(actual, cond.Value) <= 0, ""
	case OpIn:
		items, ok := toSlice(cond.Value)
		if !ok {
			return false, ""
		}
		return sliceContains(items, actual), ""
	case OpNotIn:
		items, ok := toSlice(cond.Value)
		if !ok {
			return false, ""
		}
		return !sliceContains(items, actual), ""
	case OpContains, OpStartsWith, OpEndsWith:
		actualStr, ok1 := actual.(string)
		valueStr, ok2 := cond.Value.(string)
		if !ok1 || !ok2 {
			return false, ""
		}
		switch cond.Operator {
		case OpContains:
			return strings.Contains(actualStr, valueStr), ""
		case OpStartsWith:
			return strings.HasPrefix(actualStr, valueStr), ""
		default:
			return strings.HasSuffix(actualStr, valueStr), ""
		}
	case OpMatches:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false, ""
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Uncompilable patterns are a non-match, never an exception.
			return false, ""
		}
		return re.MatchString(fmt.Sprint(actual)), ""
	case OpBetween:
		start, end, ok := betweenBounds(cond.Value)
		if !ok {
			return false, "between requires a {start, end} value"
		}
		return inRange(actual, start, end), ""
	default:
		return false, fmt.Sprintf("unknown field operator: %s", cond.Operator)
	}
}

// evaluateTimeCondition evaluates one time condition against the effective
// timestamp (the context timestamp, or now).
func evaluateTimeCondition(cond Condition, now time.Time) (bool, string) {
	switch cond.Operator {
	case OpBetween:
		startVal, endVal, ok := betweenBounds(cond.Value)
		if !ok {
			return false, "between requires a {start, end} value"
		}
		cur := fmt.Sprint(resolveTimeField(cond.Field, now))
		start := fmt.Sprint(startVal)
		end := fmt.Sprint(endVal)
		if start <= end {
			return cur >= start && cur <= end, ""
		}
		// Overnight wrap: 22:00-06:00 matches both 23:30 and 04:30.
		return cur >= start || cur <= end, ""
	case OpAfter:
		cur := fmt.Sprint(resolveTimeField(cond.Field, now))
		return cur > fmt.Sprint(cond.Value), ""
	case OpBefore:
		cur := fmt.Sprint(resolveTimeField(cond.Field, now))
		return cur < fmt.Sprint(cond.Value), ""
	case OpDayOfWeek:
		items, ok := toSlice(cond.Value)
		if !ok {
			return false, ""
		}
		return sliceContains(items, int(now.Weekday())), ""
	default:
		return false, fmt.Sprintf("unknown time operator: %s", cond.Operator)
	}
}

// resolveField reads a field value from the context. Resolution order:
// known top-level fields, direct key lookup in Fields, then dot-notation
// descent into nested maps. A missing field resolves to nil.
func resolveField(ec *EvaluationContext, field string, now time.Time) interface{} {
	switch field {
	case "client_id", "clientId":
		return ec.ClientID
	case "agent_id", "agentId":
		return ec.AgentID
	case "action":
		return ec.Action
	case "resource":
		return ec.Resource
	case "platform":
		return ec.Platform
	case "timestamp":
		if ec.Timestamp.IsZero() {
			return now
		}
		return ec.Timestamp
	}

	if ec.Fields == nil {
		return nil
	}
	if v, ok := ec.Fields[field]; ok {
		return v
	}

	// Dot-notation descent into nested maps.
	parts := strings.Split(field, ".")
	var current interface{} = ec.Fields
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// resolveTimeField produces the synthetic value for a time-condition field.
func resolveTimeField(field string, now time.Time) interface{} {
	switch field {
	case "current_date", "date":
		return now.Format("2006-01-02")
	case "day_of_week":
		return int(now.Weekday())
	case "hour":
		return now.Hour()
	case "minute":
		return now.Minute()
	default:
		// current_time / time and anything unrecognized.
		return now.Format("15:04")
	}
}

// valuesEqual implements strict equality for equals/not_equals and in
// membership. Numbers compare numerically across numeric types; strings and
// bools compare within their own kind. Operands of different kinds are never
// equal, so 1 != "1" and true != "true".
func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok || bok {
		return aok && bok && af == bf
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr || bIsStr {
		return aIsStr && bIsStr && as == bs
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool || bIsBool {
		return aIsBool && bIsBool && ab == bb
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues returns -1, 0, or 1. Numeric when both sides are numeric,
// lexicographic on the string forms otherwise.
func compareValues(a, b interface{}) int {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// inRange checks an inclusive range, numeric when all three operands are
// numeric, lexicographic on stringified values otherwise.
func inRange(v, start, end interface{}) bool {
	vf, vok := toFloat64(v)
	sf, sok := toFloat64(start)
	ef, eok := toFloat64(end)
	if vok && sok && eok {
		return vf >= sf && vf <= ef
	}
	s := fmt.Sprint(v)
	return s >= fmt.Sprint(start) && s <= fmt.Sprint(end)
}

// betweenBounds extracts the {start, end} bounds of a between value.
func betweenBounds(v interface{}) (interface{}, interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, nil, false
	}
	start, sok := m["start"]
	end, eok := m["end"]
	if !sok || !eok {
		return nil, nil, false
	}
	return start, end, true
}

// toSlice normalizes array-valued operands. JSON decoding yields
// []interface{}; typed slices from in-process callers are accepted too.
func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []int:
		out := make([]interface{}, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

// sliceContains reports membership by the same equality valuesEqual uses.
func sliceContains(items []interface{}, v interface{}) bool {
	for _, item := range items {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

// toFloat64 converts numeric values to float64. Strings are never numeric;
// a numeric-looking string operand falls back to lexicographic comparison.
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}
