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

// Package clipboard transfers the remote clipboard file through the
// cache, in either direction, one direction at a time. A re-request
// made during a transfer is coalesced into a single deferred run.
package clipboard

import (
	"errors"

	hostclip "github.com/atotto/clipboard"
	"github.com/psilink/pocketfs/cache"
	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/internal/logger"
	"github.com/psilink/pocketfs/unified"
)

// DefaultPath is where the device keeps its clipboard file.
const DefaultPath = `C:\System\Data\Clpboard.cbd`

// chunk is the per-RPC transfer unit.
const chunk = 2048

// State of the transfer engine.
type State int

const (
	Idle State = iota
	ReadOpen
	ReadArgs
	ReadXfer
	ReadClose
	WriteOpen
	WriteExtent
	WriteXfer
	WriteClose
)

// Engine is the clipboard transfer state machine. Like everything
// above the cache it is driven by the session's single task.
type Engine struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	session *cache.Session
	path    string

	// useHost mirrors fetched text to the host clipboard and sources
	// pushed text from it.
	useHost bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	state State

	file   *cache.OpenFile
	buf    []byte
	offset int64
	extent int64

	// Completion for the current run.
	fetchCB func(data []byte, err error)
	pushCB  func(err error)

	// Coalesced re-requests, run after the current transfer ends.
	fetchAgain   bool
	fetchAgainCB func(data []byte, err error)
	pushAgain    []byte
	pushAgainCB  func(err error)
}

// NewEngine builds an engine over a session. With useHost set, fetched
// text is copied to the host clipboard and Push with nil data reads
// the host clipboard.
func NewEngine(session *cache.Session, path string, useHost bool) *Engine {
	if path == "" {
		path = DefaultPath
	}
	return &Engine{session: session, path: path, useHost: useHost}
}

// State returns the engine state, for diagnostics.
func (e *Engine) State() State { return e.state }

// Fetch starts a device-to-host transfer. During an active transfer
// the request is coalesced: one deferred run serves every caller.
func (e *Engine) Fetch(cb func(data []byte, err error)) {
	if e.state != Idle {
		e.fetchAgain = true
		prev := e.fetchAgainCB
		e.fetchAgainCB = func(data []byte, err error) {
			if prev != nil {
				prev(data, err)
			}
			if cb != nil {
				cb(data, err)
			}
		}
		return
	}
	e.fetchCB = cb
	e.state = ReadOpen
	e.session.Enqueue(&cache.OpenCmd{Path: e.path, Mode: unified.ModeRead}, e.onReadOpened)
}

// Push starts a host-to-device transfer of data. With useHost set and
// data nil, the host clipboard supplies the text.
func (e *Engine) Push(data []byte, cb func(err error)) {
	if data == nil && e.useHost {
		text, err := hostclip.ReadAll()
		if err != nil {
			if cb != nil {
				cb(err)
			}
			return
		}
		data = []byte(text)
	}
	if e.state != Idle {
		e.pushAgain = data
		prev := e.pushAgainCB
		e.pushAgainCB = func(err error) {
			if prev != nil {
				prev(err)
			}
			if cb != nil {
				cb(err)
			}
		}
		return
	}
	e.pushCB = cb
	e.buf = data
	e.state = WriteOpen
	e.session.Enqueue(&cache.OpenCmd{Path: e.path, Mode: unified.ModeCreate}, e.onWriteOpened)
}

////////////////////////////////////////////////////////////////////////
// Read side
////////////////////////////////////////////////////////////////////////

func (e *Engine) onReadOpened(result any, err error) {
	if err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			// No clipboard file means an empty clipboard.
			e.finishFetch(nil, nil)
			return
		}
		e.finishFetch(nil, err)
		return
	}
	e.file = result.(*cache.OpenFile)
	e.state = ReadArgs
	e.session.Enqueue(&cache.ArgsCmd{File: e.file}, e.onReadArgs)
}

func (e *Engine) onReadArgs(result any, err error) {
	if err != nil {
		e.abortRead(err)
		return
	}
	e.extent = result.(cache.ArgsResult).Extent
	e.buf = make([]byte, 0, e.extent)
	e.offset = 0
	e.state = ReadXfer
	e.readMore()
}

func (e *Engine) readMore() {
	if e.offset >= e.extent {
		e.state = ReadClose
		file := e.file
		e.file = nil
		e.session.Enqueue(&cache.CloseCmd{File: file}, func(_ any, err error) {
			e.finishFetch(e.buf, err)
		})
		return
	}
	n := chunk
	if rest := e.extent - e.offset; rest < int64(n) {
		n = int(rest)
	}
	e.session.Enqueue(&cache.ReadCmd{File: e.file, Offset: e.offset, Length: n}, func(result any, err error) {
		if err != nil {
			e.abortRead(err)
			return
		}
		r := result.(cache.ReadResult)
		e.buf = append(e.buf, r.Data[:r.Actual]...)
		e.offset += int64(r.Actual)
		if r.Actual == 0 {
			e.offset = e.extent
		}
		e.readMore()
	})
}

func (e *Engine) abortRead(err error) {
	if e.file != nil {
		file := e.file
		e.file = nil
		e.session.Enqueue(&cache.CloseCmd{File: file}, func(any, error) {})
	}
	e.finishFetch(nil, err)
}

func (e *Engine) finishFetch(data []byte, err error) {
	cb := e.fetchCB
	e.fetchCB = nil
	e.buf = nil
	e.state = Idle

	if err == nil && e.useHost {
		if herr := hostclip.WriteAll(string(data)); herr != nil {
			logger.Warnf("host clipboard write failed: %v", herr)
		}
	}
	if cb != nil {
		cb(data, err)
	}
	e.runDeferred()
}

////////////////////////////////////////////////////////////////////////
// Write side
////////////////////////////////////////////////////////////////////////

func (e *Engine) onWriteOpened(result any, err error) {
	if err != nil {
		e.finishPush(err)
		return
	}
	e.file = result.(*cache.OpenFile)
	e.offset = 0
	e.state = WriteExtent
	e.session.Enqueue(&cache.SetAllocatedCmd{File: e.file, Size: int64(len(e.buf))}, func(_ any, err error) {
		if err != nil {
			e.abortWrite(err)
			return
		}
		e.state = WriteXfer
		e.writeMore()
	})
}

func (e *Engine) writeMore() {
	if e.offset >= int64(len(e.buf)) {
		e.state = WriteClose
		file := e.file
		e.file = nil
		e.session.Enqueue(&cache.CloseCmd{File: file}, func(_ any, err error) {
			e.finishPush(err)
		})
		return
	}
	end := e.offset + chunk
	if end > int64(len(e.buf)) {
		end = int64(len(e.buf))
	}
	data := e.buf[e.offset:end]
	e.session.Enqueue(&cache.WriteCmd{File: e.file, Offset: e.offset, Data: data}, func(_ any, err error) {
		if err != nil {
			e.abortWrite(err)
			return
		}
		e.offset = end
		e.writeMore()
	})
}

func (e *Engine) abortWrite(err error) {
	if e.file != nil {
		file := e.file
		e.file = nil
		e.session.Enqueue(&cache.CloseCmd{File: file}, func(any, error) {})
	}
	e.finishPush(err)
}

func (e *Engine) finishPush(err error) {
	cb := e.pushCB
	e.pushCB = nil
	e.buf = nil
	e.state = Idle
	if cb != nil {
		cb(err)
	}
	e.runDeferred()
}

// runDeferred starts at most one coalesced follow-up transfer.
func (e *Engine) runDeferred() {
	if e.pushAgain != nil {
		data, cb := e.pushAgain, e.pushAgainCB
		e.pushAgain, e.pushAgainCB = nil, nil
		e.Push(data, cb)
		return
	}
	if e.fetchAgain {
		cb := e.fetchAgainCB
		e.fetchAgain, e.fetchAgainCB = false, nil
		e.Fetch(cb)
	}
}
