// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package engine

import "testing"

func TestNormalizePlatform(t *testing.T) {
	tests := []struct {
		input string
		want  RatePlatform
	}{
		{"facebook", PlatformFacebook},
		{"instagram", PlatformInstagram},
		{"tiktok", PlatformTikTok},
		{"youtube", PlatformYouTube},
		{"linkedin", PlatformLinkedIn},
		{"x", PlatformX},
		{"twitter", PlatformX},
		{"Twitter", PlatformX},
		{"TIKTOK", PlatformTikTok},
		{"skool", PlatformSkool},
		{"myspace", PlatformFacebook}, // unknown maps to the historical default
		{"", PlatformFacebook},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizePlatform(tt.input); got != tt.want {
				t.Errorf("NormalizePlatform(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeAction(t *testing.T) {
	tests := []struct {
		input string
		want  RateAction
	}{
		{"post:publish", ActionPublish},
		{"publish", ActionPublish},
		{"comment:engage", ActionEngage},
		{"media:upload", ActionUpload},
		{"post:schedule", ActionSchedule},
		{"api_call", ActionAPICall},
		{"POST:PUBLISH", ActionPublish},
		{"post:unknown_verb", ActionAPICall},
		{"unknown", ActionAPICall},
		{"", ActionAPICall},
		{"a:b:c", ActionAPICall}, // only the segment after the first colon counts
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeAction(tt.input); got != tt.want {
				t.Errorf("NormalizeAction(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}
