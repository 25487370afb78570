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
	"sort"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/unified"
)

// nodePath rebuilds the canonical internal path of a node.
func (s *Session) nodePath(n *node) string {
	var components []string
	cur := n
	for cur.name != "" {
		components = append(components, cur.name)
		parent, err := s.arena.get(cur.parent)
		if err != nil {
			break
		}
		cur = parent
	}
	// Reverse.
	for i, j := 0, len(components)-1; i < j; i, j = i+1, j-1 {
		components[i], components[j] = components[j], components[i]
	}
	return unified.JoinPath(cur.drive, components)
}

// normalizePath folds the virtual drive: `@:\C\rest` addresses
// `C:\rest`. The virtual root itself has no node; ops that accept it
// handle it before resolving.
func normalizePath(path string) (string, error) {
	drive, components, err := unified.SplitPath(path)
	if err != nil {
		return "", err
	}
	if drive != VirtualDrive {
		return unified.JoinPath(drive, components), nil
	}
	if len(components) == 0 {
		return path, nil
	}
	if len(components[0]) != 1 {
		return "", fmt.Errorf("%w: %q", fserrors.ErrBadDrive, path)
	}
	return unified.JoinPath(components[0][0], components[1:]), nil
}

// childByName finds a child ref under the collation order.
func (s *Session) childByName(dir *node, name string) (NodeRef, bool) {
	key := collate(name)
	i := sort.Search(len(dir.children), func(i int) bool {
		c := s.arena.mustGet(dir.children[i])
		return collate(c.name) >= key
	})
	if i < len(dir.children) {
		c := s.arena.mustGet(dir.children[i])
		if collate(c.name) == key {
			return dir.children[i], true
		}
	}
	return NoNode, false
}

// insertChild links a child in sorted position.
//
// INVARIANT: no existing child collates equal to name
func (s *Session) insertChild(dir *node, child NodeRef) {
	c := s.arena.mustGet(child)
	i := sort.Search(len(dir.children), func(i int) bool {
		e := s.arena.mustGet(dir.children[i])
		return collateLess(c.name, e.name)
	})
	dir.children = append(dir.children, NoNode)
	copy(dir.children[i+1:], dir.children[i:])
	dir.children[i] = child
	c.parent = dir.ref
}

// detachChild unlinks a child without freeing it.
func (s *Session) detachChild(dir *node, child NodeRef) {
	for i, ref := range dir.children {
		if ref == child {
			dir.children = append(dir.children[:i], dir.children[i+1:]...)
			return
		}
	}
}

// removeNode deletes a node and every descendant, orphaning any open
// file attached within the subtree and emitting Removed upcalls leaves
// first.
func (s *Session) removeNode(ref NodeRef, emit bool) {
	n, err := s.arena.get(ref)
	if err != nil {
		return
	}

	for len(n.children) > 0 {
		s.removeNode(n.children[len(n.children)-1], emit)
		n = s.arena.mustGet(ref)
	}

	if n.openID != 0 {
		if f, ok := s.openFiles[n.openID]; ok {
			f.dead = true
		}
		n.openID = 0
	}

	if !n.parent.IsNone() {
		if parent, err := s.arena.get(n.parent); err == nil {
			s.detachChild(parent, ref)
		}
	}
	if emit {
		s.emitUpcall(UpcallRemoved, n, unified.EntryInfo{})
	}
	s.arena.release(ref)
}

// findResult is what a cache lookup yields: the deepest node reached,
// whether the answer is authoritative, and any definitive error.
type findResult struct {
	ref   NodeRef
	valid bool
	err   error
}

// find resolves a path against the cache. With required set, any
// segment that is not yet authoritative marks the deepest known node's
// listing required and reports valid == false; the caller yields and
// retries after the refresher fills the gap.
//
// A node is found "authoritatively absent" only when its parent's
// listing is valid; then err is NotFound and valid is true.
func (s *Session) find(path string, required bool) findResult {
	path, err := normalizePath(path)
	if err != nil {
		return findResult{ref: NoNode, err: err}
	}
	drive, components, err := unified.SplitPath(path)
	if err != nil {
		return findResult{ref: NoNode, err: err}
	}
	if drive == VirtualDrive {
		return findResult{ref: NoNode, err: fmt.Errorf("%w: virtual root has no node", fserrors.ErrBadDrive)}
	}
	idx := driveIndex(drive)
	if idx < 0 {
		return findResult{ref: NoNode, err: fmt.Errorf("%w: %q", fserrors.ErrBadDrive, path)}
	}
	slot := &s.drives[idx]

	// The drive itself must be known present before its tree answers
	// anything authoritatively.
	if !slot.valid {
		if required {
			slot.required = true
		}
		return findResult{ref: slot.root, valid: false}
	}
	if !slot.info.Present {
		return findResult{ref: NoNode, valid: true, err: fmt.Errorf("%w: drive %c not present", fserrors.ErrBadDrive, drive)}
	}

	cur := slot.root
	for _, comp := range components {
		dir := s.arena.mustGet(cur)
		if !dir.isDir() {
			return findResult{ref: cur, valid: true, err: fmt.Errorf("%w: %q is not a directory", fserrors.ErrNotFound, dir.name)}
		}
		child, ok := s.childByName(dir, comp)
		if !ok {
			if dir.listingValid {
				return findResult{ref: NoNode, valid: true, err: fserrors.ErrNotFound}
			}
			if required {
				dir.listingRequired = true
			}
			return findResult{ref: cur, valid: false}
		}
		cur = child
	}

	n := s.arena.mustGet(cur)
	if n.name != "" && !n.valid {
		// The node is known structurally but its info is stale.
		if required {
			n.required = true
		}
		return findResult{ref: cur, valid: false}
	}
	return findResult{ref: cur, valid: true}
}

// applyInfo merges an Info observation into a node, honoring the
// type-change rule: a kind flip deletes and re-creates the node.
// Returns the ref, which changes on re-creation.
func (s *Session) applyInfo(ref NodeRef, info unified.EntryInfo) NodeRef {
	if !s.active {
		return ref
	}
	n, err := s.arena.get(ref)
	if err != nil {
		return NoNode
	}

	if n.valid && n.info.Kind != info.Kind {
		parentRef := n.parent
		name := n.name
		drive := n.drive
		s.removeNode(ref, true)
		// Allocate before fetching the parent: growing the arena may
		// move every node.
		newRef, fresh := s.arena.alloc()
		fresh.drive = drive
		fresh.name = name
		fresh.info = info
		fresh.valid = true
		fresh.lastValid = s.clk.Now()
		parent, err := s.arena.get(parentRef)
		if err != nil {
			s.arena.release(newRef)
			return NoNode
		}
		s.insertChild(parent, newRef)
		fresh = s.arena.mustGet(newRef)
		// Listings naming the old node are stale; the next refresh
		// reconciles them.
		parent.listingDeadline = s.clk.Now()
		s.emitUpcall(UpcallAdded, fresh, info)
		return newRef
	}

	changed := n.valid && !n.info.Equal(info)
	n.info = info
	if info.Name != "" {
		// Case-only renames keep the collation key, so the sorted
		// child order is unaffected.
		n.name = info.Name
	}
	n.valid = true
	n.required = false
	n.lastErr = nil
	n.lastValid = s.clk.Now()
	if changed {
		s.emitUpcall(UpcallChanged, n, info)
	}
	return ref
}

// applyListing merge-reconciles an Enumerate observation with a
// directory's children, in sorted order, emitting Added / Removed /
// Changed upcalls as differences surface.
func (s *Session) applyListing(ref NodeRef, entries []unified.EntryInfo) {
	if !s.active {
		return
	}
	dir, err := s.arena.get(ref)
	if err != nil {
		return
	}

	sorted := make([]unified.EntryInfo, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return collateLess(sorted[i].Name, sorted[j].Name)
	})

	old := make([]NodeRef, len(dir.children))
	copy(old, dir.children)

	i, j := 0, 0
	for i < len(old) || j < len(sorted) {
		dir = s.arena.mustGet(ref)
		switch {
		case i >= len(old):
			s.addListed(ref, sorted[j])
			j++
		case j >= len(sorted):
			s.removeNode(old[i], true)
			i++
		default:
			c := s.arena.mustGet(old[i])
			if collate(c.name) == collate(sorted[j].Name) {
				s.applyInfo(old[i], sorted[j])
				i++
				j++
			} else if collateLess(c.name, sorted[j].Name) {
				s.removeNode(old[i], true)
				i++
			} else {
				s.addListed(ref, sorted[j])
				j++
			}
		}
	}

	dir = s.arena.mustGet(ref)
	now := s.clk.Now()
	dir.listingValid = true
	dir.listingRequired = false
	dir.listingErr = nil
	dir.lastListing = now
	dir.listingDeadline = now.Add(s.config.DirTimeout)
}

// addListed creates a child from a listing entry. Takes the directory
// by ref: allocation may move the arena.
func (s *Session) addListed(dirRef NodeRef, info unified.EntryInfo) {
	ref, fresh := s.arena.alloc()
	dir := s.arena.mustGet(dirRef)
	fresh.drive = dir.drive
	fresh.name = info.Name
	fresh.info = info
	fresh.valid = true
	fresh.lastValid = s.clk.Now()
	s.insertChild(dir, ref)
	s.emitUpcall(UpcallAdded, s.arena.mustGet(ref), info)
}

// pruneNotFound handles NotFound from an Info probe: the node is
// removed locally and its parent listing nudged stale.
func (s *Session) pruneNotFound(ref NodeRef) {
	n, err := s.arena.get(ref)
	if err != nil {
		return
	}
	if n.name == "" {
		// A drive root never leaves the tree; the drive slot itself
		// goes back for re-observation instead.
		n.listingValid = false
		n.listingRequired = false
		if idx := driveIndex(n.drive); idx >= 0 {
			s.drives[idx].valid = false
		}
		return
	}
	if parent, err := s.arena.get(n.parent); err == nil {
		parent.listingDeadline = s.clk.Now()
	}
	s.removeNode(ref, true)
}

// checkInvariants walks the whole cache and panics on structural
// breakage. Called from tests.
func (s *Session) checkInvariants() {
	for i := range s.drives {
		slot := &s.drives[i]
		if slot.root.IsNone() {
			continue
		}
		s.checkSubtree(slot.root, slot.letter)
	}
	for id, f := range s.openFiles {
		if f.id != id {
			panic(fmt.Sprintf("open file id mismatch: %d vs %d", f.id, id))
		}
		if f.dead {
			continue
		}
		n, err := s.arena.get(f.nodeRef)
		if err != nil {
			panic(fmt.Sprintf("live open file %d has stale node ref", id))
		}
		if !f.dirHandle && n.info.Kind != unified.KindFile {
			panic(fmt.Sprintf("open file %d attached to non-file node %q", id, n.name))
		}
	}
}

func (s *Session) checkSubtree(ref NodeRef, drive byte) {
	n := s.arena.mustGet(ref)
	if n.drive != drive {
		panic(fmt.Sprintf("node %q has drive %c, want %c", n.name, n.drive, drive))
	}
	for i := 1; i < len(n.children); i++ {
		a := s.arena.mustGet(n.children[i-1])
		b := s.arena.mustGet(n.children[i])
		if !collateLess(a.name, b.name) {
			panic(fmt.Sprintf("children out of order: %q, %q", a.name, b.name))
		}
	}
	for _, c := range n.children {
		child := s.arena.mustGet(c)
		if child.parent != ref {
			panic(fmt.Sprintf("child %q parent link broken", child.name))
		}
		s.checkSubtree(c, drive)
	}
	if n.openID != 0 {
		f, ok := s.openFiles[n.openID]
		if !ok {
			panic(fmt.Sprintf("node %q references unknown open file %d", n.name, n.openID))
		}
		if f.nodeRef != ref {
			panic(fmt.Sprintf("open file %d back-reference broken", n.openID))
		}
	}
}
