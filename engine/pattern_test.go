// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package engine

import "testing"

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		pattern string
		want    bool
	}{
		{"exact match fast path", "post:publish", "post:publish", true},
		{"wildcard star matches everything", "anything at all", "*", true},
		{"empty value against star", "", "*", true},
		{"empty pattern against empty value", "", "", true},
		{"prefix glob", "post:publish", "post:*", true},
		{"prefix glob non-match", "comment:create", "post:*", false},
		{"suffix glob", "social:meta", "*:meta", true},
		{"middle glob", "post:bulk:publish", "post:*:publish", true},
		{"question mark single char", "post1", "post?", true},
		{"question mark needs exactly one char", "post12", "post?", false},
		{"question mark no char", "post", "post?", false},
		{"regex metachars are literal", "a.b", "a.b", true},
		{"dot does not match any char", "axb", "a.b", false},
		{"bracket is literal", "[abc]", "[abc]", true},
		{"bracket does not behave as class", "a", "[abc]", false},
		{"case sensitive", "Post:Publish", "post:*", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchPattern(tt.value, tt.pattern); got != tt.want {
				t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.value, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatchPatternSelfMatch(t *testing.T) {
	// For all values v, match(v, v) and match(v, "*") hold.
	values := []string{"", "post:publish", "social:meta", "weird[chars]().*", "日本語"}
	for _, v := range values {
		if !MatchPattern(v, v) {
			t.Errorf("MatchPattern(%q, %q) should be true", v, v)
		}
		if !MatchPattern(v, "*") {
			t.Errorf("MatchPattern(%q, \"*\") should be true", v)
		}
	}
}

func TestFindMatchingPattern(t *testing.T) {
	patterns := []string{"comment:*", "post:publish", "*"}

	got, ok := FindMatchingPattern("post:publish", patterns)
	if !ok || got != "post:publish" {
		t.Errorf("expected first matching pattern post:publish, got %q (ok=%v)", got, ok)
	}

	got, ok = FindMatchingPattern("comment:create", patterns)
	if !ok || got != "comment:*" {
		t.Errorf("expected comment:*, got %q (ok=%v)", got, ok)
	}

	_, ok = FindMatchingPattern("post:publish", []string{"comment:*", "story:*"})
	if ok {
		t.Error("expected no match")
	}

	_, ok = FindMatchingPattern("anything", nil)
	if ok {
		t.Error("expected no match against empty pattern list")
	}
}
