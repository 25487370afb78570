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
	"strings"
	"time"

	"github.com/psilink/pocketfs/unified"
)

// node is one entry in the directory cache tree. Nodes live in the
// session's arena; parent and child links are refs, never pointers, so
// removal can never dangle.
type node struct {
	ref    NodeRef
	parent NodeRef

	// drive is the owning drive letter; set on every node.
	drive byte

	// name is the leaf name in host form. Empty only for drive roots.
	name string

	// What the remote last told us about this object.
	//
	// INVARIANT: valid implies info.Kind is meaningful
	info     unified.EntryInfo
	valid    bool
	required bool
	lastErr  error

	// lastValid is when info was last confirmed by an observation.
	lastValid time.Time

	// allocated is the last known physical allocation, carried across
	// open/close so a re-create can restore it. Zero means unknown.
	allocated int64

	// Directory listing state. Meaningful only when info.Kind is
	// KindDirectory (or for drive roots).
	listingValid    bool
	listingRequired bool
	listingErr      error
	listingDeadline time.Time
	lastListing     time.Time

	// children, sorted under the remote's collation order.
	//
	// INVARIANT: strictly sorted by collate(name); no duplicates
	children []NodeRef

	// openID is a weak back-reference to the open file holding this
	// node, zero if none.
	//
	// INVARIANT: openID != 0 implies info.Kind == KindFile
	openID int
}

// isDir reports whether the node can carry a listing: a drive root or
// a directory entry.
func (n *node) isDir() bool {
	return n.name == "" || n.info.Kind == unified.KindDirectory
}

// collate is the remote's name collation: case-insensitive ASCII.
func collate(name string) string {
	return strings.ToUpper(name)
}

// collateLess orders leaf names the way the remote lists them.
func collateLess(a, b string) bool {
	ca, cb := collate(a), collate(b)
	if ca != cb {
		return ca < cb
	}
	return a < b
}
