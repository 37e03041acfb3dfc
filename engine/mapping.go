// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package engine

import "strings"

// RatePlatform is the rate limiter's platform enum.
type RatePlatform string

const (
	PlatformFacebook  RatePlatform = "facebook"
	PlatformInstagram RatePlatform = "instagram"
	PlatformTikTok    RatePlatform = "tiktok"
	PlatformYouTube   RatePlatform = "youtube"
	PlatformLinkedIn  RatePlatform = "linkedin"
	PlatformX         RatePlatform = "x"
	PlatformSkool     RatePlatform = "skool"
)

// RateAction is the rate limiter's action enum.
type RateAction string

const (
	ActionPublish  RateAction = "publish"
	ActionEngage   RateAction = "engage"
	ActionAPICall  RateAction = "api_call"
	ActionUpload   RateAction = "upload"
	ActionSchedule RateAction = "schedule"
)

// NormalizePlatform maps a context platform string to the rate limiter's
// enum. Input is case-insensitive; "twitter" is an alias of "x"; unknown or
// absent platforms map to facebook (the historical default).
func NormalizePlatform(platform string) RatePlatform {
	switch strings.ToLower(platform) {
	case "facebook":
		return PlatformFacebook
	case "instagram":
		return PlatformInstagram
	case "tiktok":
		return PlatformTikTok
	case "youtube":
		return PlatformYouTube
	case "linkedin":
		return PlatformLinkedIn
	case "x", "twitter":
		return PlatformX
	case "skool":
		return PlatformSkool
	default:
		return PlatformFacebook
	}
}

// NormalizeAction maps a context action token to the rate limiter's enum.
// The substring after the first ":" is used when present ("post:publish"
// becomes "publish"); matching is case-insensitive; unknown actions map to
// api_call.
func NormalizeAction(action string) RateAction {
	verb := action
	if idx := strings.Index(action, ":"); idx >= 0 {
		verb = action[idx+1:]
	}

	switch strings.ToLower(verb) {
	case "publish":
		return ActionPublish
	case "engage":
		return ActionEngage
	case "api_call":
		return ActionAPICall
	case "upload":
		return ActionUpload
	case "schedule":
		return ActionSchedule
	default:
		return ActionAPICall
	}
}
