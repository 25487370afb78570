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
	"fmt"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/unified"
)

////////////////////////////////////////////////////////////////////////
// DriveInfo
////////////////////////////////////////////////////////////////////////

// DriveInfoCmd reads a drive slot from the cache. The virtual drive
// aggregates every present drive.
type DriveInfoCmd struct {
	Drive byte
}

func (c *DriveInfoCmd) Kind() string { return "DriveInfo" }

func (c *DriveInfoCmd) step(ctx context.Context, s *Session) stepOutcome {
	if c.Drive == VirtualDrive {
		var agg unified.DriveInfo
		agg.Present = true
		agg.Name = "All"
		waiting := false
		for i := range s.drives {
			slot := &s.drives[i]
			if !slot.valid {
				slot.required = true
				waiting = true
				continue
			}
			if slot.info.Present {
				agg.Size += slot.info.Size
				agg.Free += slot.info.Free
			}
		}
		if waiting {
			return yield()
		}
		return succeed(agg)
	}

	idx := driveIndex(c.Drive)
	if idx < 0 {
		return fail(fmt.Errorf("%w: %c", fserrors.ErrBadDrive, c.Drive))
	}
	slot := &s.drives[idx]
	if !slot.valid {
		slot.required = true
		return yield()
	}
	return succeed(slot.info)
}

////////////////////////////////////////////////////////////////////////
// DiscName
////////////////////////////////////////////////////////////////////////

// DiscNameCmd renames a drive.
type DiscNameCmd struct {
	Drive byte
	Name  string
}

func (c *DiscNameCmd) Kind() string { return "DiscName" }

func (c *DiscNameCmd) step(ctx context.Context, s *Session) stepOutcome {
	idx := driveIndex(c.Drive)
	if idx < 0 {
		return fail(fmt.Errorf("%w: %c", fserrors.ErrBadDrive, c.Drive))
	}
	err := s.rpc(func() error {
		return s.client.DiscName(ctx, c.Drive, c.Name)
	})
	if err != nil {
		return fail(err)
	}
	// The slot's name is stale until re-observed.
	s.drives[idx].valid = false
	return succeed(nil)
}

////////////////////////////////////////////////////////////////////////
// Enumerate
////////////////////////////////////////////////////////////////////////

// EnumerateResult is one window of a directory listing. Next is -1 at
// the end; callers may pass it back to resume.
type EnumerateResult struct {
	Entries []unified.EntryInfo
	Next    int
}

// EnumerateCmd lists a directory from the cache, filling the listing
// first if needed.
type EnumerateCmd struct {
	Path   string
	Offset int
}

func (c *EnumerateCmd) Kind() string { return "Enumerate" }

func (c *EnumerateCmd) step(ctx context.Context, s *Session) stepOutcome {
	// offset < 0 uniformly means "end".
	if c.Offset < 0 {
		return succeed(EnumerateResult{Next: -1})
	}

	if drive, components, err := unified.SplitPath(c.Path); err == nil &&
		drive == VirtualDrive && len(components) == 0 {
		return c.stepVirtualRoot(s)
	}

	res, ok := s.resolveRequired(c.Path)
	if res.err != nil {
		return fail(res.err)
	}
	if !ok {
		return yield()
	}
	n := s.arena.mustGet(res.ref)
	if !n.isDir() {
		return fail(fmt.Errorf("%w: %q is not a directory", fserrors.ErrBadParams, c.Path))
	}
	if !n.listingValid {
		n.listingRequired = true
		return yield()
	}
	if n.listingErr != nil {
		return fail(n.listingErr)
	}

	entries := make([]unified.EntryInfo, 0, len(n.children))
	for _, ref := range n.children {
		child := s.arena.mustGet(ref)
		entries = append(entries, child.info)
	}
	if c.Offset >= len(entries) {
		return succeed(EnumerateResult{Next: -1})
	}
	return succeed(EnumerateResult{Entries: entries[c.Offset:], Next: -1})
}

// stepVirtualRoot lists the present drives as directories.
func (c *EnumerateCmd) stepVirtualRoot(s *Session) stepOutcome {
	waiting := false
	var entries []unified.EntryInfo
	for i := range s.drives {
		slot := &s.drives[i]
		if !slot.valid {
			slot.required = true
			waiting = true
			continue
		}
		if slot.info.Present {
			entries = append(entries, unified.EntryInfo{
				Name: string(slot.letter),
				Kind: unified.KindDirectory,
			})
		}
	}
	if waiting {
		return yield()
	}
	if c.Offset >= len(entries) {
		return succeed(EnumerateResult{Next: -1})
	}
	return succeed(EnumerateResult{Entries: entries[c.Offset:], Next: -1})
}

////////////////////////////////////////////////////////////////////////
// Info
////////////////////////////////////////////////////////////////////////

// InfoCmd reads one entry's metadata from the cache.
type InfoCmd struct {
	Path string
}

func (c *InfoCmd) Kind() string { return "Info" }

func (c *InfoCmd) step(ctx context.Context, s *Session) stepOutcome {
	res, ok := s.resolveRequired(c.Path)
	if res.err != nil {
		return fail(res.err)
	}
	if !ok {
		return yield()
	}
	n := s.arena.mustGet(res.ref)
	return succeed(n.info)
}

////////////////////////////////////////////////////////////////////////
// Mkdir
////////////////////////////////////////////////////////////////////////

// MkdirCmd creates a directory. Idempotent on an existing directory;
// an existing non-directory is AlreadyExists.
type MkdirCmd struct {
	Path string
}

func (c *MkdirCmd) Kind() string { return "Mkdir" }

func (c *MkdirCmd) step(ctx context.Context, s *Session) stepOutcome {
	res := s.find(c.Path, true)
	switch {
	case res.err == nil && res.valid:
		n := s.arena.mustGet(res.ref)
		if n.isDir() {
			return succeed(nil)
		}
		return fail(fserrors.ErrAlreadyExists)
	case res.err == nil:
		return yield()
	case !errors.Is(res.err, fserrors.ErrNotFound):
		return fail(res.err)
	}

	// Authoritatively absent: create it.
	parentPath, leaf, err := unified.ParentPath(c.Path)
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

	if err := s.client.Validate(c.Path); err != nil {
		return fail(err)
	}
	err = s.rpc(func() error {
		return s.client.Mkdir(ctx, c.Path)
	})
	if err != nil && !errors.Is(err, fserrors.ErrAlreadyExists) {
		return fail(err)
	}

	s.addListed(pres.ref, unified.EntryInfo{Name: leaf, Kind: unified.KindDirectory})
	return succeed(nil)
}

////////////////////////////////////////////////////////////////////////
// Remove
////////////////////////////////////////////////////////////////////////

// RemoveCmd deletes a file or empty directory. Idempotent on a
// non-existent object.
type RemoveCmd struct {
	Path string
}

func (c *RemoveCmd) Kind() string { return "Remove" }

func (c *RemoveCmd) step(ctx context.Context, s *Session) stepOutcome {
	res := s.find(c.Path, true)
	if res.err != nil {
		if errors.Is(res.err, fserrors.ErrNotFound) {
			return succeed(nil)
		}
		return fail(res.err)
	}
	if !res.valid {
		return yield()
	}
	n := s.arena.mustGet(res.ref)
	if n.name == "" {
		return fail(fmt.Errorf("%w: cannot remove a drive root", fserrors.ErrBadParams))
	}
	if n.openID != 0 {
		return fail(fserrors.ErrObjectOpen)
	}

	if n.isDir() {
		if !n.listingValid {
			n.listingRequired = true
			return yield()
		}
		if len(n.children) > 0 {
			return fail(fserrors.ErrDirectoryNotEmpty)
		}
		err := s.rpc(func() error {
			return s.client.Rmdir(ctx, c.Path)
		})
		if err != nil && !errors.Is(err, fserrors.ErrNotFound) {
			return fail(err)
		}
	} else {
		err := s.rpc(func() error {
			return s.client.Remove(ctx, c.Path)
		})
		if err != nil && !errors.Is(err, fserrors.ErrNotFound) {
			return fail(err)
		}
	}

	s.removeNode(res.ref, true)
	return succeed(nil)
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

// RenameCmd renames within one drive, moving the cached subtree and
// any open handle with it.
type RenameCmd struct {
	Src string
	Dst string
}

func (c *RenameCmd) Kind() string { return "Rename" }

func (c *RenameCmd) step(ctx context.Context, s *Session) stepOutcome {
	src, err := normalizePath(c.Src)
	if err != nil {
		return fail(err)
	}
	dst, err := normalizePath(c.Dst)
	if err != nil {
		return fail(err)
	}
	if src == dst {
		return succeed(nil)
	}
	sd, _, err := unified.SplitPath(src)
	if err != nil {
		return fail(err)
	}
	dd, _, err := unified.SplitPath(dst)
	if err != nil {
		return fail(err)
	}
	if sd != dd {
		return fail(fmt.Errorf("%w: rename across drives", fserrors.ErrBadDrive))
	}

	sres, ok := s.resolveRequired(src)
	if sres.err != nil {
		return fail(sres.err)
	}
	if !ok {
		return yield()
	}

	dres := s.find(dst, true)
	switch {
	case dres.err == nil && dres.valid:
		if dres.ref != sres.ref {
			return fail(fserrors.ErrAlreadyExists)
		}
		// Collation-equal rename (e.g. case change): allowed.
	case dres.err == nil:
		return yield()
	case !errors.Is(dres.err, fserrors.ErrNotFound):
		return fail(dres.err)
	}

	dstParentPath, dstLeaf, err := unified.ParentPath(dst)
	if err != nil {
		return fail(err)
	}
	pres, ok := s.resolveRequired(dstParentPath)
	if pres.err != nil {
		return fail(pres.err)
	}
	if !ok {
		return yield()
	}

	if err := s.client.Validate(dst); err != nil {
		return fail(err)
	}
	err = s.rpc(func() error {
		return s.client.Rename(ctx, src, dst)
	})
	if err != nil {
		return fail(err)
	}

	// Synthesize the move: detach, rename, re-attach. The node ref is
	// unchanged so open handles follow for free.
	n := s.arena.mustGet(sres.ref)
	s.emitUpcall(UpcallRemoved, n, unified.EntryInfo{})
	if oldParent, err := s.arena.get(n.parent); err == nil {
		s.detachChild(oldParent, sres.ref)
	}
	n = s.arena.mustGet(sres.ref)
	n.name = dstLeaf
	n.info.Name = dstLeaf
	newParent := s.arena.mustGet(pres.ref)
	s.insertChild(newParent, sres.ref)
	n = s.arena.mustGet(sres.ref)
	s.emitUpcall(UpcallAdded, n, n.info)
	return succeed(nil)
}

////////////////////////////////////////////////////////////////////////
// SetAttr / SetStamp
////////////////////////////////////////////////////////////////////////

// SetAttrCmd changes an entry's attributes. On an open file the change
// is deferred and flushed at Close.
type SetAttrCmd struct {
	Path string
	Attr uint8
}

func (c *SetAttrCmd) Kind() string { return "SetAttr" }

func (c *SetAttrCmd) step(ctx context.Context, s *Session) stepOutcome {
	res, ok := s.resolveRequired(c.Path)
	if res.err != nil {
		return fail(res.err)
	}
	if !ok {
		return yield()
	}
	n := s.arena.mustGet(res.ref)
	if n.openID != 0 {
		f := s.openFiles[n.openID]
		attr := c.Attr
		f.attr = &attr
		return succeed(nil)
	}

	err := s.rpc(func() error {
		return s.client.SetAttr(ctx, c.Path, c.Attr)
	})
	if err != nil {
		return fail(err)
	}
	n = s.arena.mustGet(res.ref)
	n.info.Attr = c.Attr
	n.valid = false
	return succeed(nil)
}

// SetStampCmd changes an entry's load/exec stamp. On an open file only
// the deferred stamp is overwritten; a deferred attr change is left
// untouched.
type SetStampCmd struct {
	Path string
	Load uint32
	Exec uint32
}

func (c *SetStampCmd) Kind() string { return "SetStamp" }

func (c *SetStampCmd) step(ctx context.Context, s *Session) stepOutcome {
	res, ok := s.resolveRequired(c.Path)
	if res.err != nil {
		return fail(res.err)
	}
	if !ok {
		return yield()
	}
	n := s.arena.mustGet(res.ref)
	if n.openID != 0 {
		f := s.openFiles[n.openID]
		f.stamp = &deferredStamp{load: c.Load, exec: c.Exec}
		return succeed(nil)
	}

	err := s.rpc(func() error {
		return s.client.SetStamp(ctx, c.Path, c.Load, c.Exec)
	})
	if err != nil {
		return fail(err)
	}
	n = s.arena.mustGet(res.ref)
	n.info.Load = c.Load
	n.info.Exec = c.Exec
	n.valid = false
	return succeed(nil)
}
