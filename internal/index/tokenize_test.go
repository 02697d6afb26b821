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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "plain words",
			in:   "create a calendar event",
			want: []string{"create", "a", "calendar", "event"},
		},
		{
			name: "camelCase",
			in:   "createCalendarEvent",
			want: []string{"create", "calendar", "event"},
		},
		{
			name: "snake_case",
			in:   "create_calendar_event",
			want: []string{"create", "calendar", "event"},
		},
		{
			name: "kebab-case",
			in:   "create-calendar-event",
			want: []string{"create", "calendar", "event"},
		},
		{
			name: "acronym prefix",
			in:   "HTTPServer",
			want: []string{"http", "server"},
		},
		{
			name: "acronym suffix",
			in:   "serveHTTP",
			want: []string{"serve", "http"},
		},
		{
			name: "digit to upper boundary",
			in:   "base64Encode",
			want: []string{"base64", "encode"},
		},
		{
			name: "case folded",
			in:   "CREATE Issue",
			want: []string{"create", "issue"},
		},
		{
			name: "punctuation stripped",
			in:   "list events (between two dates).",
			want: []string{"list", "events", "between", "two", "dates"},
		},
		{
			name: "empty",
			in:   "",
			want: nil,
		},
		{
			name: "only separators",
			in:   " -- __ .. ",
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Tokenize(tc.in))
		})
	}
}

func TestTokenize_ConventionsAgree(t *testing.T) {
	camel := Tokenize("createCalendarEvent")
	snake := Tokenize("create_calendar_event")
	kebab := Tokenize("create-calendar-event")
	spoken := Tokenize("create calendar event")

	require.Equal(t, spoken, camel)
	require.Equal(t, spoken, snake)
	require.Equal(t, spoken, kebab)
}
