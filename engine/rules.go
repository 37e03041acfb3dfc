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
	"sort"
	"time"
)

// RuleEvaluator selects rules from a policy given a context. It is
// stateless and safe for concurrent use.
type RuleEvaluator struct {
	clock func() time.Time
}

// NewRuleEvaluator creates a rule evaluator using the wall clock.
func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{clock: time.Now}
}

// EvaluateRule checks a single rule against the context. Matching
// short-circuits on the first unmet gate (disabled, then action, then
// resource, then conditions); the result records how far matching
// progressed. All conditions are evaluated even after one fails so the
// caller can inspect every failure.
func (re *RuleEvaluator) EvaluateRule(rule *PolicyRule, ec *EvaluationContext) *RuleMatchResult {
	start := re.clock()
	result := &RuleMatchResult{Rule: rule}

	defer func() {
		result.MatchDurationMs = float64(re.clock().Sub(start)) / float64(time.Millisecond)
	}()

	if !rule.Enabled {
		return result
	}

	action, ok := FindMatchingPattern(ec.Action, rule.Actions)
	if !ok {
		return result
	}
	result.MatchedAction = action

	resource, ok := FindMatchingPattern(ec.Resource, rule.Resources)
	if !ok {
		return result
	}
	result.MatchedResource = resource

	now := ec.Timestamp
	if now.IsZero() {
		now = re.clock()
	}

	condResults, allPassed := evaluateRuleConditions(rule.Conditions, ec, now)
	result.ConditionResults = condResults
	result.Matched = allPassed

	return result
}

// SortByPriority returns a new slice sorted by descending priority. The
// sort is stable, so rules with equal priority keep their input order.
func (re *RuleEvaluator) SortByPriority(rules []PolicyRule) []PolicyRule {
	sorted := make([]PolicyRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}

// FindMatchingRule returns the first matching rule in priority order, or
// nil when none matches (first-match wins).
func (re *RuleEvaluator) FindMatchingRule(rules []PolicyRule, ec *EvaluationContext) *RuleMatchResult {
	for _, rule := range re.SortByPriority(rules) {
		rule := rule
		if result := re.EvaluateRule(&rule, ec); result.Matched {
			return result
		}
	}
	return nil
}

// FindAllMatchingRules returns every matching rule in priority order.
func (re *RuleEvaluator) FindAllMatchingRules(rules []PolicyRule, ec *EvaluationContext) []*RuleMatchResult {
	var matches []*RuleMatchResult
	for _, rule := range re.SortByPriority(rules) {
		rule := rule
		if result := re.EvaluateRule(&rule, ec); result.Matched {
			matches = append(matches, result)
		}
	}
	return matches
}
