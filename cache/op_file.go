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

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/unified"
)

////////////////////////////////////////////////////////////////////////
// Open
////////////////////////////////////////////////////////////////////////

// OpenCmd opens a file, creating it for ModeCreate. The result is the
// *OpenFile. Sub-states: resolve, delete (create over an existing
// file), open, resize (restore a known allocation), attach.
type OpenCmd struct {
	Path string
	Mode unified.Mode
}

func (c *OpenCmd) Kind() string { return "Open" }

func (c *OpenCmd) step(ctx context.Context, s *Session) stepOutcome {
	res := s.find(c.Path, true)

	var priorAlloc int64
	exists := false
	switch {
	case res.err == nil && res.valid:
		exists = true
	case res.err == nil:
		return yield()
	case errors.Is(res.err, fserrors.ErrNotFound):
		if c.Mode != unified.ModeCreate {
			return fail(res.err)
		}
	default:
		return fail(res.err)
	}

	var attachRef NodeRef
	if exists {
		n := s.arena.mustGet(res.ref)
		if n.isDir() {
			if c.Mode != unified.ModeRead {
				return fail(fserrors.ErrAccessDenied)
			}
			// Directory open: a pseudo-handle with no remote side.
			f := s.newOpenFile(res.ref, c.Mode)
			f.dirHandle = true
			return succeed(f)
		}
		if n.openID != 0 {
			return fail(fserrors.ErrObjectOpen)
		}
		if c.Mode == unified.ModeCreate {
			// Delete: create over an existing file removes it first,
			// remembering its allocation so the new file can match.
			priorAlloc = n.allocated
			err := s.rpc(func() error {
				return s.client.Remove(ctx, c.Path)
			})
			if err != nil && !errors.Is(err, fserrors.ErrNotFound) {
				return fail(err)
			}
			s.removeNode(res.ref, true)
			exists = false
		} else {
			attachRef = res.ref
		}
	}

	if !exists {
		// The parent directory must be authoritatively present.
		parentPath, _, err := unified.ParentPath(c.Path)
		if err != nil {
			return fail(err)
		}
		pres, ok := s.resolveRequired(parentPath)
		if pres.err != nil {
			return fail(pres.err)
		}
		if !ok {
			return yield()
		}
		attachRef = pres.ref
		if err := s.client.Validate(c.Path); err != nil {
			return fail(err)
		}
	}

	// Open.
	var h unified.RemoteHandle
	err := s.rpc(func() (err error) {
		h, err = s.client.Open(ctx, c.Path, c.Mode)
		return
	})
	if err != nil {
		return fail(err)
	}

	// Resize: restore the prior allocation on a re-created file.
	if c.Mode == unified.ModeCreate && priorAlloc > 0 {
		err := s.rpc(func() error {
			return s.client.SetSize(ctx, h, priorAlloc)
		})
		if err != nil {
			return fail(err)
		}
	}

	// Attach. For an existing file attachRef is the file node itself;
	// on the create path it is the parent directory.
	var ref NodeRef
	if exists {
		ref = attachRef
	} else {
		_, leaf, err := unified.ParentPath(c.Path)
		if err != nil {
			return fail(err)
		}
		ref, _ = s.arena.alloc()
		parent := s.arena.mustGet(attachRef)
		fresh := s.arena.mustGet(ref)
		fresh.drive = parent.drive
		fresh.name = leaf
		fresh.info = unified.EntryInfo{Name: leaf, Kind: unified.KindFile}
		s.insertChild(parent, ref)
		s.emitUpcall(UpcallAdded, s.arena.mustGet(ref), s.arena.mustGet(ref).info)
	}

	f := s.newOpenFile(ref, c.Mode)
	f.remoteHandle = h
	n := s.arena.mustGet(ref)
	if c.Mode != unified.ModeCreate {
		f.extent = n.info.Size
	}
	f.allocated = f.extent
	if priorAlloc > f.allocated {
		f.allocated = priorAlloc
	}
	n.openID = f.id
	if c.Mode == unified.ModeCreate {
		// The next observation refreshes metadata.
		n.valid = false
	}
	return succeed(f)
}

func (s *Session) newOpenFile(ref NodeRef, mode unified.Mode) *OpenFile {
	s.nextOpenID++
	f := &OpenFile{
		id:      s.nextOpenID,
		mode:    mode,
		nodeRef: ref,
	}
	s.openFiles[f.id] = f
	return f
}

////////////////////////////////////////////////////////////////////////
// Close
////////////////////////////////////////////////////////////////////////

// CloseCmd flushes deferred state and closes the handle: extent trim
// (if write-permitted), Close, deferred stamp, deferred attr.
type CloseCmd struct {
	File *OpenFile
}

func (c *CloseCmd) Kind() string { return "Close" }

func (c *CloseCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if f == nil {
		return fail(fserrors.ErrBadHandle)
	}
	if _, ok := s.openFiles[f.id]; !ok {
		return fail(fserrors.ErrBadHandle)
	}

	if f.dirHandle || f.dead {
		// A dead handle's remote side went away with its file; there
		// is nothing left to flush.
		delete(s.openFiles, f.id)
		f.dead = true
		return succeed(nil)
	}

	var firstErr error
	record := func(err error) {
		if firstErr == nil && err != nil {
			firstErr = err
		}
	}

	if f.mode.WriteAllowed() && f.allocated != f.extent {
		record(s.rpc(func() error {
			return s.client.SetSize(ctx, f.remoteHandle, f.extent)
		}))
	}
	if f.pendingCloseFlush {
		record(s.rpc(func() error {
			return s.client.Flush(ctx, f.remoteHandle)
		}))
	}
	record(s.rpc(func() error {
		return s.client.Close(ctx, f.remoteHandle)
	}))

	dirty := f.written || f.stamp != nil || f.attr != nil

	if n, nerr := s.arena.get(f.nodeRef); nerr == nil {
		path := s.nodePath(n)
		if f.stamp != nil {
			record(s.rpc(func() error {
				return s.client.SetStamp(ctx, path, f.stamp.load, f.stamp.exec)
			}))
		}
		if f.attr != nil && *f.attr != n.info.Attr {
			record(s.rpc(func() error {
				return s.client.SetAttr(ctx, path, *f.attr)
			}))
		}
		n = s.arena.mustGet(f.nodeRef)
		n.openID = 0
		n.allocated = f.allocated
		if dirty {
			n.valid = false
		}
	}

	delete(s.openFiles, f.id)
	f.dead = true
	if firstErr != nil {
		return fail(firstErr)
	}
	return succeed(nil)
}

////////////////////////////////////////////////////////////////////////
// Args
////////////////////////////////////////////////////////////////////////

// ArgsResult reports an open file's current state.
type ArgsResult struct {
	Path      string
	SeqPos    int64
	Extent    int64
	Allocated int64
}

// ArgsCmd reads back an open handle's path and positions. Purely
// local.
type ArgsCmd struct {
	File *OpenFile
}

func (c *ArgsCmd) Kind() string { return "Args" }

func (c *ArgsCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if f == nil || f.dead {
		return fail(fserrors.ErrBadHandle)
	}
	n, err := s.arena.get(f.nodeRef)
	if err != nil {
		return fail(err)
	}
	return succeed(ArgsResult{
		Path:      s.nodePath(n),
		SeqPos:    f.logicalSeqPos,
		Extent:    f.extent,
		Allocated: f.allocated,
	})
}

////////////////////////////////////////////////////////////////////////
// Read
////////////////////////////////////////////////////////////////////////

// ReadResult is a read's buffer, zero-padded to the requested length,
// with the count actually backed by file contents.
type ReadResult struct {
	Data   []byte
	Actual int
}

// ReadCmd reads a range. A range past the cached extent is
// zero-padded; a seek is issued only when the remote pointer is
// elsewhere.
type ReadCmd struct {
	File   *OpenFile
	Offset int64
	Length int
}

func (c *ReadCmd) Kind() string { return "Read" }

func (c *ReadCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if f == nil || f.dead || f.dirHandle {
		return fail(fserrors.ErrBadHandle)
	}
	if c.Offset < 0 || c.Length < 0 {
		return fail(fserrors.ErrBadParams)
	}

	data := make([]byte, c.Length)
	actual := 0
	if c.Offset < f.extent {
		actual = c.Length
		if max := f.extent - c.Offset; int64(actual) > max {
			actual = int(max)
		}
	}

	if actual > 0 {
		if f.remoteSeqPos != c.Offset {
			err := s.rpc(func() error {
				return s.client.Seek(ctx, f.remoteHandle, c.Offset)
			})
			if err != nil {
				return fail(err)
			}
			f.remoteSeqPos = c.Offset
		}

		got := 0
		for got < actual {
			var chunk []byte
			err := s.rpc(func() (err error) {
				chunk, err = s.client.Read(ctx, f.remoteHandle, actual-got)
				return
			})
			if err != nil {
				return fail(err)
			}
			if len(chunk) == 0 {
				break
			}
			copy(data[got:], chunk)
			got += len(chunk)
			f.remoteSeqPos += int64(len(chunk))
		}
		actual = got
	}

	f.logicalSeqPos = c.Offset + int64(actual)
	return succeed(ReadResult{Data: data, Actual: actual})
}

////////////////////////////////////////////////////////////////////////
// Write / WriteZeros
////////////////////////////////////////////////////////////////////////

// ensureAllocated grows the device-side allocation in buffer-multiple
// steps so that end fits.
func (s *Session) ensureAllocated(ctx context.Context, f *OpenFile, end int64) error {
	if end <= f.allocated {
		return nil
	}
	mult := s.config.WriteBufferMultiple
	newAlloc := (end + mult - 1) &^ (mult - 1)
	err := s.rpc(func() error {
		return s.client.SetSize(ctx, f.remoteHandle, newAlloc)
	})
	if err != nil {
		return err
	}
	f.allocated = newAlloc
	return nil
}

func (s *Session) checkWritable(f *OpenFile) error {
	if f == nil || f.dead || f.dirHandle {
		return fserrors.ErrBadHandle
	}
	if !f.mode.WriteAllowed() {
		return fserrors.ErrAccessDenied
	}
	return nil
}

// WriteCmd writes a range, growing the allocation first when needed.
type WriteCmd struct {
	File   *OpenFile
	Offset int64
	Data   []byte
}

func (c *WriteCmd) Kind() string { return "Write" }

func (c *WriteCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if err := s.checkWritable(f); err != nil {
		return fail(err)
	}
	if len(c.Data) == 0 {
		return succeed(nil)
	}

	end := c.Offset + int64(len(c.Data))
	if err := s.ensureAllocated(ctx, f, end); err != nil {
		return fail(err)
	}
	if f.remoteSeqPos != c.Offset {
		err := s.rpc(func() error {
			return s.client.Seek(ctx, f.remoteHandle, c.Offset)
		})
		if err != nil {
			return fail(err)
		}
		f.remoteSeqPos = c.Offset
	}
	err := s.rpc(func() error {
		return s.client.Write(ctx, f.remoteHandle, c.Data)
	})
	if err != nil {
		return fail(err)
	}

	f.remoteSeqPos = end
	f.logicalSeqPos = end
	if end > f.extent {
		f.extent = end
	}
	f.written = true
	return succeed(nil)
}

// WriteZerosCmd extends or overwrites a range with zeros.
type WriteZerosCmd struct {
	File   *OpenFile
	Offset int64
	Length int
}

func (c *WriteZerosCmd) Kind() string { return "WriteZeros" }

func (c *WriteZerosCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if err := s.checkWritable(f); err != nil {
		return fail(err)
	}
	if c.Length <= 0 {
		return succeed(nil)
	}

	end := c.Offset + int64(c.Length)
	if err := s.ensureAllocated(ctx, f, end); err != nil {
		return fail(err)
	}
	if f.remoteSeqPos != c.Offset {
		err := s.rpc(func() error {
			return s.client.Seek(ctx, f.remoteHandle, c.Offset)
		})
		if err != nil {
			return fail(err)
		}
		f.remoteSeqPos = c.Offset
	}
	err := s.rpc(func() error {
		return s.client.WriteZeros(ctx, f.remoteHandle, c.Length)
	})
	if err != nil {
		return fail(err)
	}

	f.remoteSeqPos = end
	f.logicalSeqPos = end
	if end > f.extent {
		f.extent = end
	}
	f.written = true
	return succeed(nil)
}

////////////////////////////////////////////////////////////////////////
// Allocation, extent, flush, sequential
////////////////////////////////////////////////////////////////////////

// SetAllocatedCmd reserves device-side space. Shrinking below the
// extent is bookkeeping only.
type SetAllocatedCmd struct {
	File *OpenFile
	Size int64
}

func (c *SetAllocatedCmd) Kind() string { return "SetAllocated" }

func (c *SetAllocatedCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if err := s.checkWritable(f); err != nil {
		return fail(err)
	}
	if c.Size > f.allocated {
		err := s.rpc(func() error {
			return s.client.SetSize(ctx, f.remoteHandle, c.Size)
		})
		if err != nil {
			return fail(err)
		}
	}
	f.allocated = c.Size
	if f.allocated < f.extent {
		f.allocated = f.extent
	}
	return succeed(nil)
}

// SetExtentCmd sets the logical length on the device.
type SetExtentCmd struct {
	File *OpenFile
	Size int64
}

func (c *SetExtentCmd) Kind() string { return "SetExtent" }

func (c *SetExtentCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if err := s.checkWritable(f); err != nil {
		return fail(err)
	}
	err := s.rpc(func() error {
		return s.client.SetSize(ctx, f.remoteHandle, c.Size)
	})
	if err != nil {
		return fail(err)
	}
	f.extent = c.Size
	if f.allocated < c.Size {
		f.allocated = c.Size
	}
	if f.logicalSeqPos > c.Size {
		f.logicalSeqPos = c.Size
	}
	// The device pointer is unspecified after a truncation.
	f.remoteSeqPos = -1
	f.written = true
	return succeed(nil)
}

// FlushCmd forces buffered device-side data out. With AtClose set the
// flush is only noted and performed as part of the eventual Close.
type FlushCmd struct {
	File    *OpenFile
	AtClose bool
}

func (c *FlushCmd) Kind() string { return "Flush" }

func (c *FlushCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if f == nil || f.dead || f.dirHandle {
		return fail(fserrors.ErrBadHandle)
	}
	if c.AtClose {
		f.pendingCloseFlush = true
		return succeed(nil)
	}
	err := s.rpc(func() error {
		return s.client.Flush(ctx, f.remoteHandle)
	})
	if err != nil {
		return fail(err)
	}
	return succeed(nil)
}

// SetSequentialCmd moves the client-visible sequential pointer. Within
// the extent this is pure bookkeeping; beyond it, a write-permitted
// handle grows the file, and a read-only one fails.
type SetSequentialCmd struct {
	File *OpenFile
	Pos  int64
}

func (c *SetSequentialCmd) Kind() string { return "SetSequential" }

func (c *SetSequentialCmd) step(ctx context.Context, s *Session) stepOutcome {
	f := c.File
	if f == nil || f.dead || f.dirHandle {
		return fail(fserrors.ErrBadHandle)
	}
	if c.Pos < 0 {
		return fail(fserrors.ErrBadParams)
	}
	if c.Pos <= f.extent {
		f.logicalSeqPos = c.Pos
		return succeed(nil)
	}
	if !f.mode.WriteAllowed() {
		return fail(fserrors.ErrSeekOutsideExtent)
	}

	// Beyond the extent: treat as a logical extent change.
	if err := s.ensureAllocated(ctx, f, c.Pos); err != nil {
		return fail(err)
	}
	err := s.rpc(func() error {
		return s.client.SetSize(ctx, f.remoteHandle, c.Pos)
	})
	if err != nil {
		return fail(err)
	}
	f.extent = c.Pos
	f.logicalSeqPos = c.Pos
	f.remoteSeqPos = -1
	f.written = true
	return succeed(nil)
}
