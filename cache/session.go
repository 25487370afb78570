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

// Package cache is the asynchronous caching directory-and-file proxy
// between local filesystem requests and the single-outstanding,
// high-latency link to the remote device.
//
// The scheduling model is single-threaded cooperative: one logical
// task pumps the transport, the cache tree, the pending-op queue, and
// the background refresher, all from Poll. No two pending-op steps are
// ever concurrent, and no locks exist because there is exactly one
// mutator.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/psilink/pocketfs/cfg"
	"github.com/psilink/pocketfs/clock"
	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/internal/logger"
	"github.com/psilink/pocketfs/metrics"
	"github.com/psilink/pocketfs/unified"
)

// Callback receives the result of one enqueued operation. The queue
// guarantees exactly one invocation per enqueue. A callback may
// enqueue further operations; driving them is deferred until the
// current step returns.
type Callback func(result any, err error)

// pendingOp is one enqueued client request. Linked FIFO; the head may
// hold the transport across several RPCs.
type pendingOp struct {
	cmd Command
	cb  Callback

	// UserTag is carried through untouched for the caller.
	UserTag any

	completed bool
}

// machineFacts is the cached single-instance device information.
type machineFacts struct {
	info     unified.MachineInfo
	valid    bool
	required bool
	lastErr  error
}

type ownerFacts struct {
	owner    string
	valid    bool
	required bool
	lastErr  error
}

type powerFacts struct {
	info            unified.PowerInfo
	valid           bool
	required        bool
	lastErr         error
	refreshDeadline time.Time
}

// Session is all state that lives between Start and End. Not safe for
// concurrent access: the embedder provides the single logical task
// that calls every method.
type Session struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	client *unified.Client
	clk    clock.Clock
	mh     metrics.Handle
	config cfg.CacheConfig
	upcall UpcallFunc

	/////////////////////////
	// Mutable state
	/////////////////////////

	// active is true between a successful Start and End.
	active bool

	// linkErr, once set, fails every subsequent op until Start.
	linkErr error

	arena  arena
	drives [26]driveSlot

	// Open files by id.
	openFiles  map[int]*OpenFile
	nextOpenID int

	// The pending-op queue.
	//
	// INVARIANT: ops in queue have completed == false
	queue fifo[*pendingOp]

	// inFlightRPC guards the transport: at most one RPC at a time.
	inFlightRPC bool

	// driving is the re-entrance guard: callbacks fired from the
	// queue driver must not recursively drive the queue.
	driving bool

	// Single-instance facts.
	machine machineFacts
	owner   ownerFacts
	power   powerFacts

	// Time-sync one-shots.
	syncRequested bool
	syncDone      bool

	// Refresher timing state.
	lastClientActivity time.Time
	lastRefreshDone    time.Time
	lastRefreshPri     priority
	idleHint           bool
}

// NewSession builds a session over a negotiated-or-not unified client.
// The config should already be validated.
func NewSession(client *unified.Client, clk clock.Clock, config cfg.CacheConfig, mh metrics.Handle, upcall UpcallFunc) *Session {
	if mh == nil {
		mh = metrics.NewNoop()
	}
	s := &Session{
		client:    client,
		clk:       clk,
		mh:        mh,
		config:    config,
		upcall:    upcall,
		openFiles: make(map[int]*OpenFile),
	}
	for i := range s.drives {
		s.drives[i].letter = byte('A' + i)
		s.drives[i].root = NoNode
	}
	return s
}

// Start begins a session. If generation is zero the device is asked;
// otherwise the dialect is fixed without a handshake. Every drive slot
// begins invalid and the refresher fills them in.
func (s *Session) Start(ctx context.Context, generation unified.Generation) error {
	if s.active && s.linkErr == nil {
		return fmt.Errorf("%w: session already active", fserrors.ErrBadParams)
	}

	if generation == 0 {
		g, err := s.client.Handshake(ctx)
		if err != nil {
			return err
		}
		generation = g
	} else {
		s.client.SetGeneration(generation)
	}
	logger.Infof("session started, generation %v", generation)

	s.active = true
	s.linkErr = nil
	for i := range s.drives {
		slot := &s.drives[i]
		slot.valid = false
		slot.required = false
		slot.lastErr = nil
		if slot.root.IsNone() {
			ref, root := s.arena.alloc()
			root.drive = slot.letter
			root.info.Kind = unified.KindDirectory
			slot.root = ref
		}
	}
	s.machine = machineFacts{}
	s.owner = ownerFacts{}
	s.power = powerFacts{}
	s.syncRequested = false
	s.syncDone = false
	return nil
}

// End finishes the session. With now set, in-flight and queued ops are
// aborted with LinkClosed; otherwise the queue is drained first (the
// caller keeps calling Poll until Idle reports true, then calls End
// again with now set or simply stops).
func (s *Session) End(ctx context.Context, now bool) {
	if !now && !s.queue.IsEmpty() {
		// Drain: stay active so Poll keeps making progress.
		return
	}
	s.active = false
	s.failAllPending(fserrors.ErrLinkClosed)
	s.invalidateAll()
	logger.Infof("session ended")
}

// Idle reports whether the queue is empty, for drain-style shutdown.
func (s *Session) Idle() bool { return s.queue.IsEmpty() }

// Enqueue appends an operation; its callback fires exactly once, from
// a later Poll (or from End when the session is torn down).
func (s *Session) Enqueue(cmd Command, cb Callback) {
	op := &pendingOp{cmd: cmd, cb: cb}
	s.lastClientActivity = s.clk.Now()
	s.queue.Push(op)
	s.mh.QueueDepth(s.queue.Len())
}

// Poll is the single entry point that advances everything: it drives
// the head of the pending-op queue, and when the link is idle it lets
// the refresher issue the highest-priority cache update.
func (s *Session) Poll(ctx context.Context) {
	if s.driving {
		// Re-entered from a callback; the outer driver finishes the
		// job when the current step returns.
		return
	}
	s.driving = true
	defer func() { s.driving = false }()

	for {
		s.driveQueue(ctx)

		if !s.active {
			return
		}
		if !s.refreshStep(ctx) {
			return
		}
		// A cache update was applied; re-drive the queue against the
		// new observations.
	}
}

// driveQueue steps the head op until it completes, fails, or yields
// awaiting cache data.
func (s *Session) driveQueue(ctx context.Context) {
	for !s.queue.IsEmpty() {
		if s.inFlightRPC {
			return
		}
		op := s.queue.PeekStart()

		if s.linkErr != nil {
			s.completeHead(op, nil, s.linkErr)
			continue
		}
		if !s.active {
			s.completeHead(op, nil, fserrors.ErrLinkClosed)
			continue
		}

		out := op.cmd.step(ctx, s)
		if out.err != nil || out.done {
			if fserrors.IsFatalLink(out.err) {
				s.linkDropped(out.err)
				// linkDropped failed every queued op, this one
				// included.
				continue
			}
			s.completeHead(op, out.result, out.err)
			continue
		}

		// Yielded awaiting a cache fill.
		return
	}
}

// completeHead pops the head op and fires its callback. The callback
// runs with the re-entrance guard held, so anything it enqueues waits
// for the driver loop to come round again.
func (s *Session) completeHead(op *pendingOp, result any, err error) {
	popped := s.queue.Pop()
	if popped != op {
		panic("cache: queue head changed during completion")
	}
	op.completed = true
	s.mh.QueueDepth(s.queue.Len())
	s.lastClientActivity = s.clk.Now()
	if op.cb != nil {
		op.cb(result, err)
	}
}

// failAllPending completes every queued op with err.
func (s *Session) failAllPending(err error) {
	for !s.queue.IsEmpty() {
		op := s.queue.PeekStart()
		s.completeHead(op, nil, err)
	}
}

// linkDropped handles a fatal transport error: every valid node and
// drive goes invalid and all pending ops fail with the error.
func (s *Session) linkDropped(err error) {
	logger.Errorf("link dropped: %v", err)
	s.linkErr = err
	s.invalidateAll()
	s.failAllPending(err)
}

// invalidateAll marks every cached observation invalid. The tree
// structure survives; only validity is lost.
func (s *Session) invalidateAll() {
	for i := range s.drives {
		s.drives[i].valid = false
	}
	for i := range s.arena.slots {
		slot := &s.arena.slots[i]
		if slot.used {
			slot.node.valid = false
			slot.node.listingValid = false
		}
	}
	s.machine.valid = false
	s.owner.valid = false
	s.power.valid = false
}

// rpc wraps one transport round trip in the in-flight flag.
//
// INVARIANT: at most one RPC in flight at any time
func (s *Session) rpc(fn func() error) error {
	if s.inFlightRPC {
		panic("cache: nested RPC")
	}
	s.inFlightRPC = true
	defer func() { s.inFlightRPC = false }()
	return fn()
}

// SetIdleHint records the host's idle hint, consulted by the step
// throttles.
func (s *Session) SetIdleHint(idle bool) { s.idleHint = idle }

// RequestTimeSync arms the one-shot device clock synchronization; the
// refresher performs it when the link is next idle.
func (s *Session) RequestTimeSync() {
	s.syncRequested = true
	s.syncDone = false
}

// TimeSyncDone reports whether an armed sync has completed.
func (s *Session) TimeSyncDone() bool { return s.syncDone }

// MachineFacts returns the cached machine information, if valid.
func (s *Session) MachineFacts() (unified.MachineInfo, bool) {
	return s.machine.info, s.machine.valid
}

// OwnerInfo returns the cached owner string, if valid.
func (s *Session) OwnerInfo() (string, bool) {
	return s.owner.owner, s.owner.valid
}

// PowerInfo returns the cached power snapshot, if valid.
func (s *Session) PowerInfo() (unified.PowerInfo, bool) {
	return s.power.info, s.power.valid
}

// Client exposes the unified client for the coupled engines (tar,
// clipboard, printing) that share the session's link discipline.
func (s *Session) Client() *unified.Client { return s.client }

// Clock exposes the session time source.
func (s *Session) Clock() clock.Clock { return s.clk }
