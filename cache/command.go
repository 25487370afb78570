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

package cache

import "context"

// stepOutcome is what one drive of a pending op produced. done with a
// nil err carries the result; neither set means the op yielded
// awaiting a cache fill and will be re-driven after the refresher
// makes progress.
type stepOutcome struct {
	done   bool
	result any
	err    error
}

func yield() stepOutcome             { return stepOutcome{} }
func succeed(result any) stepOutcome { return stepOutcome{done: true, result: result} }
func fail(err error) stepOutcome     { return stepOutcome{err: err} }

// Command is one client-visible operation. Each implementation is a
// small state machine: step is called with the session's single task,
// performs at most a handful of RPCs, and either completes, fails, or
// yields awaiting cache data it has marked required.
type Command interface {
	// Kind names the operation for diagnostics.
	Kind() string

	step(ctx context.Context, s *Session) stepOutcome
}

// resolveRequired looks a path up, marking what is missing required.
// ok is false when the op must yield.
func (s *Session) resolveRequired(path string) (res findResult, ok bool) {
	res = s.find(path, true)
	if res.err != nil {
		return res, true
	}
	return res, res.valid
}
