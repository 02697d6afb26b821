// Copyright 2025 the Switchboard authors
//
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

package index

import (
	"unicode"

	"golang.org/x/text/cases"
)

// folder performs Unicode case folding, so "Straße" and "STRASSE"
// produce the same terms.
var folder = cases.Fold()

// Tokenize splits text into case-folded search terms.
//
// Besides whitespace and punctuation, identifier-style names are split at
// word boundaries: createCalendarEvent, create_calendar_event, and
// create-calendar-event all yield [create calendar event], so queries
// written in plain English match tool names in any convention.
func Tokenize(text string) []string {
	var tokens []string
	runes := []rune(text)

	start := -1
	flush := func(end int) {
		if start >= 0 && end > start {
			tokens = append(tokens, folder.String(string(runes[start:end])))
		}
		start = -1
	}

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
			continue
		}
		prev := runes[i-1]
		// camelCase boundary: lower or digit followed by upper.
		if unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
			flush(i)
			start = i
			continue
		}
		// Acronym boundary: HTTPServer splits before "Server".
		if i+1 < len(runes) && unicode.IsUpper(prev) && unicode.IsUpper(r) && unicode.IsLower(runes[i+1]) {
			flush(i)
			start = i
		}
	}
	flush(len(runes))

	return tokens
}
