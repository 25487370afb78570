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
	"github.com/psilink/pocketfs/unified"
)

// deferredStamp is a load/exec stamp waiting for Close.
type deferredStamp struct {
	load, exec uint32
}

// OpenFile is the session-side record of one open remote file. It is
// created by an Open pending op, referenced weakly from its cache
// node, and destroyed at Close or when the node is removed out from
// under it.
type OpenFile struct {
	// id keys the session's open-file table. Never reused within a
	// session.
	id int

	// remoteHandle is the device handle, unset for directory opens.
	remoteHandle unified.RemoteHandle

	mode unified.Mode

	// dirHandle marks a read-mode open of a directory, which is
	// satisfied locally with no remote handle at all.
	dirHandle bool

	// nodeRef locates the cache node. Generation-checked: if the node
	// is removed the ref goes stale and the handle is dead.
	nodeRef NodeRef

	// extent is the client-visible logical length.
	extent int64

	// allocated is the physical allocation on the device, always
	// >= extent while open.
	allocated int64

	// logicalSeqPos is the client-visible sequential pointer.
	logicalSeqPos int64

	// remoteSeqPos is the last known remote file pointer, or -1 when
	// unknown (forces a Seek before the next transfer).
	remoteSeqPos int64

	// Deferred mutations, flushed at Close.
	stamp *deferredStamp
	attr  *uint8

	// written is set by any data-mutating op; Close then invalidates the
	// node. It does not by itself cause a SetStamp at Close (only a
	// deferred stamp does), and the extent trim at Close depends only on
	// allocated differing from extent.
	written bool

	// pendingCloseFlush is set when a Flush was deferred to Close.
	pendingCloseFlush bool

	// dead is set when the node was removed while open, and at Close.
	// Operations on a dead handle fail BadHandle, except that Close of a
	// handle whose node was removed succeeds without any RPC.
	dead bool
}

// Mode returns the access mode the file was opened with.
func (f *OpenFile) Mode() unified.Mode { return f.mode }

// Extent returns the client-visible length.
func (f *OpenFile) Extent() int64 { return f.extent }
