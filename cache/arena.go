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
	"fmt"

	"github.com/psilink/pocketfs/internal/fserrors"
)

// NodeRef names a cache node by (index, generation). A ref whose slot
// has since been freed fails lookup with BadHandle instead of touching
// a recycled node.
type NodeRef struct {
	index int32
	gen   uint32
}

// NoNode is the zero ref; it never resolves.
var NoNode = NodeRef{index: -1}

func (r NodeRef) IsNone() bool { return r.index < 0 }

type arenaSlot struct {
	gen  uint32
	used bool
	node node
}

// arena is a stable-index store for cache nodes: allocation appends to
// a dense slice, freeing pushes the index onto a free stack, and every
// slot carries a generation so stale refs are typed errors.
type arena struct {
	slots []arenaSlot
	free  []int32
}

// alloc returns a fresh zeroed node and its ref.
func (a *arena) alloc() (NodeRef, *node) {
	var idx int32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot{})
		idx = int32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.used = true
	s.node = node{}
	ref := NodeRef{index: idx, gen: s.gen}
	s.node.ref = ref
	s.node.parent = NoNode
	return ref, &s.node
}

// get resolves a ref, or fails BadHandle if the slot was freed or
// recycled since the ref was minted.
func (a *arena) get(ref NodeRef) (*node, error) {
	if ref.IsNone() || int(ref.index) >= len(a.slots) {
		return nil, fmt.Errorf("%w: no such node", fserrors.ErrBadHandle)
	}
	s := &a.slots[ref.index]
	if !s.used || s.gen != ref.gen {
		return nil, fmt.Errorf("%w: stale node ref", fserrors.ErrBadHandle)
	}
	return &s.node, nil
}

// mustGet resolves a ref the caller knows is live.
func (a *arena) mustGet(ref NodeRef) *node {
	n, err := a.get(ref)
	if err != nil {
		panic(err)
	}
	return n
}

// release frees a slot, bumping its generation so outstanding refs go
// stale.
func (a *arena) release(ref NodeRef) {
	if _, err := a.get(ref); err != nil {
		return
	}
	s := &a.slots[ref.index]
	s.used = false
	s.gen++
	a.free = append(a.free, ref.index)
}

// live counts allocated nodes, for diagnostics and invariant checks.
func (a *arena) live() int {
	return len(a.slots) - len(a.free)
}
