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
	"regexp"
	"strings"
	"sync"
)

// MaxPatternCacheSize bounds the compiled glob cache to prevent unbounded
// memory growth from unique patterns.
const MaxPatternCacheSize = 1000

var (
	patternMutex  sync.RWMutex
	compiledGlobs = make(map[string]*regexp.Regexp)
)

// MatchPattern reports whether value matches a glob pattern. "*" matches any
// sequence and "?" a single character; all other regex metacharacters are
// literal. An exact string match and the bare "*" pattern are fast paths.
// Patterns that fail to compile fall back to exact-string equality, so
// MatchPattern never fails.
func MatchPattern(value, pattern string) bool {
	if pattern == value {
		return true
	}
	if pattern == "*" {
		return true
	}

	re, err := compileGlob(pattern)
	if err != nil {
		return pattern == value
	}
	return re.MatchString(value)
}

// FindMatchingPattern returns the first pattern in patterns that matches
// value, and whether any matched.
func FindMatchingPattern(value string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if MatchPattern(value, p) {
			return p, true
		}
	}
	return "", false
}

// compileGlob translates a glob pattern into an anchored regular expression,
// using a bounded cache of compiled patterns.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	patternMutex.RLock()
	re, exists := compiledGlobs[pattern]
	patternMutex.RUnlock()

	if exists {
		return re, nil
	}

	// QuoteMeta escapes the glob wildcards too; restore them afterwards.
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")

	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return nil, err
	}

	// The cache never grows past MaxPatternCacheSize; overflow patterns
	// are compiled on every use.
	patternMutex.Lock()
	if len(compiledGlobs) < MaxPatternCacheSize {
		compiledGlobs[pattern] = re
	}
	patternMutex.Unlock()

	return re, nil
}
