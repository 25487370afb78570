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

import (
	"context"
	"errors"
	"time"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/internal/logger"
	"github.com/psilink/pocketfs/unified"
)

// priority orders refresher candidates.
type priority int

const (
	priorityNone priority = iota
	priorityRefresh
	priorityInvalid
	priorityRequired
)

func (p priority) String() string {
	switch p {
	case priorityRefresh:
		return "Refresh"
	case priorityInvalid:
		return "Invalid"
	case priorityRequired:
		return "Required"
	}
	return "None"
}

// refreshKind says what update a candidate needs.
type refreshKind int

const (
	refreshDrive refreshKind = iota
	refreshListing
	refreshInfo
	refreshMachine
	refreshOwner
	refreshPower
	refreshTimeSync
)

// candidate is one potential cache update.
type candidate struct {
	pri      priority
	deadline time.Time
	kind     refreshKind

	driveIdx int
	ref      NodeRef
}

// better reports whether c beats the incumbent: higher priority, or
// same priority with an earlier deadline.
func (c candidate) better(than candidate) bool {
	if c.pri != than.pri {
		return c.pri > than.pri
	}
	return c.deadline.Before(than.deadline)
}

// classify maps (required, valid, deadline) to a priority.
func classify(required, valid bool, deadline time.Time, now time.Time) priority {
	switch {
	case required:
		return priorityRequired
	case !valid:
		return priorityInvalid
	case !deadline.After(now):
		return priorityRefresh
	default:
		return priorityNone
	}
}

// refreshStep picks and issues at most one cache update. Reports
// whether an update was applied (so the queue should be re-driven).
func (s *Session) refreshStep(ctx context.Context) bool {
	if s.inFlightRPC || s.linkErr != nil || !s.active {
		return false
	}

	best := candidate{pri: priorityNone}
	now := s.clk.Now()

	// Machine facts, owner, and power never go stale on their own
	// except power, which has a refresh deadline.
	if p := classify(s.machine.required, s.machine.valid, farFuture(now), now); p > priorityNone {
		c := candidate{pri: p, deadline: now, kind: refreshMachine}
		if c.better(best) {
			best = c
		}
	}
	if s.client.Generation() != unified.GenerationSIBO {
		if p := classify(s.owner.required, s.owner.valid, farFuture(now), now); p > priorityNone {
			c := candidate{pri: p, deadline: now, kind: refreshOwner}
			if c.better(best) {
				best = c
			}
		}
	}
	if p := classify(s.power.required, s.power.valid, s.power.refreshDeadline, now); p > priorityNone {
		c := candidate{pri: p, deadline: s.power.refreshDeadline, kind: refreshPower}
		if c.better(best) {
			best = c
		}
	}
	if s.syncRequested && !s.syncDone {
		c := candidate{pri: priorityRequired, deadline: now, kind: refreshTimeSync}
		if c.better(best) {
			best = c
		}
	}

	for i := range s.drives {
		slot := &s.drives[i]
		if p := classify(slot.required, slot.valid, slot.refreshDeadline, now); p > priorityNone {
			c := candidate{pri: p, deadline: slot.refreshDeadline, kind: refreshDrive, driveIdx: i}
			if c.better(best) {
				best = c
			}
		}
		if !slot.valid || !slot.info.Present || slot.root.IsNone() {
			continue
		}
		s.scanSubtree(slot.root, now, &best)
	}

	if best.pri == priorityNone {
		return false
	}
	if s.throttled(best.pri, now) {
		return false
	}

	s.issueRefresh(ctx, best)
	return true
}

// scanSubtree accumulates listing and info candidates. Only nodes
// reachable from a present drive participate.
func (s *Session) scanSubtree(ref NodeRef, now time.Time, best *candidate) {
	n := s.arena.mustGet(ref)

	if n.name != "" {
		if p := classify(n.required, n.valid, farFuture(now), now); p > priorityNone {
			c := candidate{pri: p, deadline: now, kind: refreshInfo, ref: ref}
			if c.better(*best) {
				*best = c
			}
		}
	}

	if n.isDir() {
		// A listing is only awaited when someone asked (required) or
		// it was valid once and went stale; unexplored directories are
		// not fetched speculatively.
		var p priority
		switch {
		case n.listingRequired:
			p = priorityRequired
		case n.listingValid && !n.listingDeadline.After(now):
			p = priorityRefresh
		}
		if p > priorityNone {
			c := candidate{pri: p, deadline: n.listingDeadline, kind: refreshListing, ref: ref}
			if c.better(*best) {
				*best = c
			}
		}
	}

	for _, child := range n.children {
		s.scanSubtree(child, now, best)
	}
}

// throttled applies the busy and step throttles of the refresher.
func (s *Session) throttled(p priority, now time.Time) bool {
	// Busy throttle: recent client activity suppresses background
	// classes.
	sinceClient := now.Sub(s.lastClientActivity)
	if !s.queue.IsEmpty() {
		sinceClient = 0
	}
	switch p {
	case priorityRefresh:
		if sinceClient < s.config.RefreshCooldown {
			return true
		}
	case priorityInvalid:
		if sinceClient < s.config.InvalidCooldown {
			return true
		}
	}

	// Step throttle: space refresher RPCs out while the host says it
	// is idle.
	if s.idleHint && !s.lastRefreshDone.IsZero() {
		sinceLast := now.Sub(s.lastRefreshDone)
		cooldown := s.config.BackCooldown
		if p == priorityRequired {
			cooldown = s.config.ForeCooldown
		}
		if sinceLast < cooldown {
			return true
		}
	}
	return false
}

// issueRefresh performs the chosen update and applies the observation.
func (s *Session) issueRefresh(ctx context.Context, c candidate) {
	var err error
	switch c.kind {
	case refreshDrive:
		err = s.refreshDrive(ctx, c.driveIdx)
	case refreshListing:
		err = s.refreshListing(ctx, c.ref)
	case refreshInfo:
		err = s.refreshInfo(ctx, c.ref)
	case refreshMachine:
		err = s.refreshMachine(ctx)
	case refreshOwner:
		err = s.refreshOwner(ctx)
	case refreshPower:
		err = s.refreshPower(ctx)
	case refreshTimeSync:
		err = s.performTimeSync(ctx)
	}

	s.lastRefreshDone = s.clk.Now()
	s.lastRefreshPri = c.pri
	if fserrors.IsFatalLink(err) {
		s.linkDropped(err)
	}
}

func farFuture(now time.Time) time.Time {
	return now.Add(100 * 365 * 24 * time.Hour)
}

func (s *Session) refreshDrive(ctx context.Context, idx int) error {
	slot := &s.drives[idx]
	var info unified.DriveInfo
	err := s.rpc(func() (err error) {
		info, err = s.client.DriveInfo(ctx, slot.letter)
		return
	})
	if err != nil {
		slot.lastErr = err
		slot.required = false
		if errors.Is(err, fserrors.ErrBadDrive) || errors.Is(err, fserrors.ErrNotFound) {
			// The device has no such drive; record it absent.
			slot.info = unified.DriveInfo{}
			slot.valid = true
			slot.refreshDeadline = s.clk.Now().Add(s.config.DriveInactiveTimeout)
			return nil
		}
		return err
	}
	if !s.active {
		return nil
	}

	slot.info = info
	slot.valid = true
	slot.required = false
	slot.lastErr = nil
	now := s.clk.Now()
	slot.lastValid = now
	timeout := s.config.DriveInactiveTimeout
	if info.Present {
		timeout = s.config.DriveActiveTimeout
	}
	slot.refreshDeadline = now.Add(timeout)
	return nil
}

// refreshListing enumerates a directory, doubling the reply window on
// BufferTooSmall up to the configured cap and following resume
// offsets until the device reports the end.
func (s *Session) refreshListing(ctx context.Context, ref NodeRef) error {
	n, err := s.arena.get(ref)
	if err != nil {
		return nil
	}
	path := s.nodePath(n)

	window := 64
	var entries []unified.EntryInfo
	offset := 0
	for offset >= 0 {
		var batch []unified.EntryInfo
		var next int
		err := s.rpc(func() (err error) {
			batch, next, err = s.client.Enumerate(ctx, path, offset, window)
			return
		})
		if errors.Is(err, fserrors.ErrBufferTooSmall) {
			if window >= s.config.EnumerateBufferCap {
				n.listingErr = err
				n.listingRequired = false
				return nil
			}
			window *= 2
			logger.Debugf("enumerate %q: growing window to %d", path, window)
			continue
		}
		if err != nil {
			if errors.Is(err, fserrors.ErrNotFound) {
				// The directory vanished; prune it.
				s.pruneNotFound(ref)
				return nil
			}
			n.listingErr = err
			n.listingRequired = false
			return err
		}
		entries = append(entries, batch...)
		offset = next
	}

	s.applyListing(ref, entries)
	return nil
}

func (s *Session) refreshInfo(ctx context.Context, ref NodeRef) error {
	n, err := s.arena.get(ref)
	if err != nil {
		return nil
	}
	path := s.nodePath(n)

	var info unified.EntryInfo
	err = s.rpc(func() (err error) {
		info, err = s.client.Info(ctx, path)
		return
	})
	if err != nil {
		if errors.Is(err, fserrors.ErrNotFound) {
			s.pruneNotFound(ref)
			return nil
		}
		n.lastErr = err
		n.required = false
		return err
	}
	info.Name = n.name
	s.applyInfo(ref, info)
	return nil
}

func (s *Session) refreshMachine(ctx context.Context) error {
	var info unified.MachineInfo
	err := s.rpc(func() (err error) {
		info, err = s.client.MachineInfo(ctx)
		return
	})
	s.machine.required = false
	if err != nil {
		s.machine.lastErr = err
		return err
	}
	s.machine.info = info
	s.machine.valid = true
	s.machine.lastErr = nil
	return nil
}

func (s *Session) refreshOwner(ctx context.Context) error {
	var owner string
	err := s.rpc(func() (err error) {
		owner, err = s.client.OwnerInfo(ctx)
		return
	})
	s.owner.required = false
	if err != nil {
		if errors.Is(err, fserrors.ErrUnsupported) {
			s.owner.owner = ""
			s.owner.valid = true
			s.owner.lastErr = err
			return nil
		}
		s.owner.lastErr = err
		return err
	}
	s.owner.owner = owner
	s.owner.valid = true
	s.owner.lastErr = nil
	return nil
}

func (s *Session) refreshPower(ctx context.Context) error {
	var info unified.PowerInfo
	err := s.rpc(func() (err error) {
		info, err = s.client.Power(ctx)
		return
	})
	s.power.required = false
	if err != nil {
		s.power.lastErr = err
		return err
	}
	s.power.info = info
	s.power.valid = true
	s.power.lastErr = nil
	s.power.refreshDeadline = s.clk.Now().Add(s.config.PowerTimeout)
	return nil
}

// performTimeSync writes the host clock to the device, once per
// request.
func (s *Session) performTimeSync(ctx context.Context) error {
	rt := unified.FromTime(s.clk.Now())
	err := s.rpc(func() error {
		return s.client.WriteTime(ctx, rt)
	})
	if err != nil && !fserrors.IsFatalLink(err) {
		logger.Warnf("time sync failed: %v", err)
	}
	// One-shot either way; a failed sync is reported, not retried.
	s.syncRequested = false
	s.syncDone = err == nil
	return err
}
