// Copyright 2025 Google LLC
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

// Package clock provides the time source used by the cache's staleness
// timers and the refresher's cooldowns, plus a simulated clock for
// tests.
package clock

import "time"

// Clock is the time source threaded through every component that keeps
// deadlines. All cache timing is relative to a single Clock so that
// tests can drive it.
type Clock interface {
	// Now returns the current time according to the clock.
	Now() time.Time

	// After notifies on the returned channel after the specified
	// duration has passed.
	After(d time.Duration) <-chan time.Time
}

// Implements Clock using real system time.
type RealClock struct{}

// Now returns the current local time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Notifies on the return channel after the specified time has passed.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
