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

package link

import (
	"context"

	"github.com/psilink/pocketfs/internal/fserrors"
)

// FakeLink implements Channel by handing each request to a handler
// function, for tests and the in-memory fake device. The handler sees
// the request payload and returns the reply payload (without status);
// returning an error delivers it to the caller unchanged.
type FakeLink struct {
	// Handler services one request. Required.
	Handler func(req Frame) (Frame, error)

	// Requests accumulates every frame sent, in order.
	Requests []Frame

	// Broken, once set, fails every Send with LinkBroken.
	Broken bool

	closed bool
}

func (l *FakeLink) Send(ctx context.Context, req Frame) (Frame, error) {
	if l.closed {
		return nil, fserrors.ErrLinkClosed
	}
	if l.Broken {
		return nil, fserrors.ErrLinkBroken
	}

	// Keep our own copy; callers may reuse their buffers.
	cp := make(Frame, len(req))
	copy(cp, req)
	l.Requests = append(l.Requests, cp)

	return l.Handler(cp)
}

func (l *FakeLink) Close() error {
	l.closed = true
	return nil
}
