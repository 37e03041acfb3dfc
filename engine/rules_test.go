// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"testing"
	"time"
)

func publishRule(id string, effect Effect, priority int) PolicyRule {
	return PolicyRule{
		ID:        id,
		Name:      "rule-" + id,
		Enabled:   true,
		Effect:    effect,
		Actions:   []string{"post:*"},
		Resources: []string{"social:*"},
		Priority:  priority,
	}
}

func TestEvaluateRuleGates(t *testing.T) {
	re := NewRuleEvaluator()
	ec := &EvaluationContext{
		ClientID: "client_123",
		Action:   "post:publish",
		Resource: "social:meta",
	}

	t.Run("disabled rule never matches", func(t *testing.T) {
		rule := publishRule("r1", EffectAllow, 0)
		rule.Enabled = false
		result := re.EvaluateRule(&rule, ec)
		if result.Matched {
			t.Error("disabled rule matched")
		}
		if result.MatchedAction != "" {
			t.Error("disabled rule should short-circuit before action matching")
		}
	})

	t.Run("action gate", func(t *testing.T) {
		rule := publishRule("r1", EffectAllow, 0)
		rule.Actions = []string{"comment:*"}
		result := re.EvaluateRule(&rule, ec)
		if result.Matched || result.MatchedAction != "" {
			t.Errorf("expected action gate to fail, got %+v", result)
		}
	})

	t.Run("resource gate", func(t *testing.T) {
		rule := publishRule("r1", EffectAllow, 0)
		rule.Resources = []string{"crm:*"}
		result := re.EvaluateRule(&rule, ec)
		if result.Matched {
			t.Error("expected resource gate to fail")
		}
		if result.MatchedAction != "post:*" {
			t.Errorf("action should have matched before the resource gate, got %q", result.MatchedAction)
		}
	})

	t.Run("condition gate", func(t *testing.T) {
		rule := publishRule("r1", EffectAllow, 0)
		rule.Conditions = []Condition{
			{Type: ConditionField, Field: "platform", Operator: OpEquals, Value: "tiktok"},
		}
		result := re.EvaluateRule(&rule, ec)
		if result.Matched {
			t.Error("expected condition gate to fail")
		}
		if len(result.ConditionResults) != 1 {
			t.Errorf("condition results missing: %+v", result.ConditionResults)
		}
	})

	t.Run("full match records provenance", func(t *testing.T) {
		rule := publishRule("r1", EffectAllow, 0)
		result := re.EvaluateRule(&rule, ec)
		if !result.Matched {
			t.Fatal("expected match")
		}
		if result.MatchedAction != "post:*" || result.MatchedResource != "social:*" {
			t.Errorf("matched patterns = %q / %q", result.MatchedAction, result.MatchedResource)
		}
		if result.Rule == nil || result.Rule.ID != "r1" {
			t.Error("result should reference the evaluated rule")
		}
	})
}

func TestEvaluateRuleUsesContextTimestamp(t *testing.T) {
	re := NewRuleEvaluator()
	rule := publishRule("r1", EffectAllow, 0)
	rule.Conditions = []Condition{
		{Type: ConditionTime, Field: "current_time", Operator: OpBetween,
			Value: map[string]interface{}{"start": "09:00", "end": "17:00"}},
	}

	ec := &EvaluationContext{
		ClientID:  "client_123",
		Action:    "post:publish",
		Resource:  "social:meta",
		Timestamp: time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC),
	}
	if !re.EvaluateRule(&rule, ec).Matched {
		t.Error("explicit in-window timestamp should match")
	}

	ec.Timestamp = time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	if re.EvaluateRule(&rule, ec).Matched {
		t.Error("explicit out-of-window timestamp should not match")
	}
}

func TestSortByPriority(t *testing.T) {
	re := NewRuleEvaluator()
	rules := []PolicyRule{
		publishRule("low", EffectAllow, 1),
		publishRule("high", EffectDeny, 100),
		publishRule("tie-a", EffectAllow, 50),
		publishRule("tie-b", EffectDeny, 50),
	}

	sorted := re.SortByPriority(rules)

	wantOrder := []string{"high", "tie-a", "tie-b", "low"}
	for i, want := range wantOrder {
		if sorted[i].ID != want {
			t.Errorf("sorted[%d] = %s, want %s", i, sorted[i].ID, want)
		}
	}

	// Input must be untouched.
	if rules[0].ID != "low" {
		t.Error("SortByPriority mutated its input")
	}
}

func TestFindMatchingRuleFirstMatchWins(t *testing.T) {
	re := NewRuleEvaluator()
	ec := &EvaluationContext{
		ClientID: "client_123",
		Action:   "post:publish",
		Resource: "social:meta",
	}

	rules := []PolicyRule{
		publishRule("allow-low", EffectAllow, 10),
		publishRule("deny-high", EffectDeny, 90),
	}

	match := re.FindMatchingRule(rules, ec)
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.Rule.ID != "deny-high" {
		t.Errorf("first match should be the highest priority rule, got %s", match.Rule.ID)
	}

	all := re.FindAllMatchingRules(rules, ec)
	if len(all) != 2 {
		t.Fatalf("expected both rules to match, got %d", len(all))
	}
	if all[0].Rule.ID != "deny-high" || all[1].Rule.ID != "allow-low" {
		t.Errorf("matches out of priority order: %s, %s", all[0].Rule.ID, all[1].Rule.ID)
	}
}

func TestFindMatchingRuleNoMatch(t *testing.T) {
	re := NewRuleEvaluator()
	ec := &EvaluationContext{
		ClientID: "client_123",
		Action:   "billing:charge",
		Resource: "crm:records",
	}

	if match := re.FindMatchingRule([]PolicyRule{publishRule("r1", EffectAllow, 0)}, ec); match != nil {
		t.Errorf("expected nil, got %+v", match)
	}
	if match := re.FindMatchingRule(nil, ec); match != nil {
		t.Error("empty rule set should yield no match")
	}
}
