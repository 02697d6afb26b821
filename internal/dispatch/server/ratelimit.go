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

package server

import (
	"golang.org/x/time/rate"
)

// RateLimiter applies token-bucket limits to incoming tool calls: one
// bucket for all calls, a stricter one for execute_action, which is the
// only tool with external side effects.
type RateLimiter struct {
	executeLimiter *rate.Limiter
	callLimiter    *rate.Limiter
}

// NewRateLimiter creates a rate limiter.
// executesPerMinute caps execute_action calls; callsPerMinute caps all
// tool calls together.
func NewRateLimiter(executesPerMinute, callsPerMinute int) *RateLimiter {
	return &RateLimiter{
		executeLimiter: rate.NewLimiter(rate.Limit(float64(executesPerMinute)/60.0), executesPerMinute),
		callLimiter:    rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), callsPerMinute),
	}
}

// AllowExecute reports whether an execute_action call may proceed.
func (rl *RateLimiter) AllowExecute() bool {
	return rl.executeLimiter.Allow()
}

// AllowCall reports whether any tool call may proceed.
func (rl *RateLimiter) AllowCall() bool {
	return rl.callLimiter.Allow()
}
