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

// Package fakedevice is an in-memory remote device speaking the wire
// protocol, for tests. Pair it with link.FakeLink:
//
//	dev := fakedevice.New(unified.GenerationERA)
//	ch := &link.FakeLink{Handler: dev.Handle}
package fakedevice

import (
	"fmt"
	"sort"
	"strings"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/link"
	"github.com/psilink/pocketfs/names"
	"github.com/psilink/pocketfs/unified"
)

// Entry is one object in the fake filesystem.
type Entry struct {
	Name string
	Kind unified.EntryKind
	Data []byte
	Load uint32
	Exec uint32
	Attr uint8

	children map[string]*Entry
}

func (e *Entry) child(name string) *Entry {
	return e.children[strings.ToUpper(name)]
}

func (e *Entry) putChild(c *Entry) {
	if e.children == nil {
		e.children = make(map[string]*Entry)
	}
	e.children[strings.ToUpper(c.Name)] = c
}

func (e *Entry) removeChild(name string) {
	delete(e.children, strings.ToUpper(name))
}

func (e *Entry) sortedChildren() []*Entry {
	out := make([]*Entry, 0, len(e.children))
	for _, c := range e.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToUpper(out[i].Name) < strings.ToUpper(out[j].Name)
	})
	return out
}

// Drive is one fake drive.
type Drive struct {
	Info unified.DriveInfo
	Root *Entry
}

type openHandle struct {
	entry *Entry
	pos   int64
}

// Device is the whole fake remote.
type Device struct {
	Generation unified.Generation

	Drives map[byte]*Drive

	Machine unified.MachineInfo
	Power   unified.PowerInfo
	Owner   string
	Tasks   []unified.Task
	Details map[string]unified.TaskDetail
	Clock   unified.RemoteTime

	// StrictWindows makes Enumerate refuse windows smaller than the
	// listing instead of paginating, to exercise the doubling retry.
	StrictWindows bool

	handles map[uint32]*openHandle
	nextH   uint32

	// Ops records every opcode handled, in order.
	Ops []uint8
}

func New(g unified.Generation) *Device {
	return &Device{
		Generation: g,
		Drives:     make(map[byte]*Drive),
		Details:    make(map[string]unified.TaskDetail),
		handles:    make(map[uint32]*openHandle),
		Machine: unified.MachineInfo{
			Type: "fake", Name: "fake",
			ID:      unified.MachineID{Low: 1, High: 2},
			Version: unified.Version{Major: 1},
		},
	}
}

// AddDrive registers a present drive.
func (d *Device) AddDrive(letter byte, name string) *Drive {
	dr := &Drive{
		Info: unified.DriveInfo{
			Present: true, Name: name,
			Size: 1 << 20, Free: 1 << 19, ID: uint32(letter),
		},
		Root: &Entry{Kind: unified.KindDirectory},
	}
	d.Drives[letter] = dr
	return dr
}

// MustPut creates a file (and parents) at a host-form path.
func (d *Device) MustPut(path string, data []byte) *Entry {
	parent, leaf := d.mustParent(path)
	e := &Entry{Name: leaf, Kind: unified.KindFile, Data: append([]byte(nil), data...)}
	parent.putChild(e)
	return e
}

// MustMkdir creates a directory (and parents) at a host-form path.
func (d *Device) MustMkdir(path string) *Entry {
	drive, components, err := unified.SplitPath(path)
	if err != nil {
		panic(err)
	}
	dr, ok := d.Drives[drive]
	if !ok {
		panic(fmt.Sprintf("no drive %c", drive))
	}
	cur := dr.Root
	for _, comp := range components {
		next := cur.child(comp)
		if next == nil {
			next = &Entry{Name: comp, Kind: unified.KindDirectory}
			cur.putChild(next)
		}
		cur = next
	}
	return cur
}

func (d *Device) mustParent(path string) (*Entry, string) {
	parent, leaf, err := unified.ParentPath(path)
	if err != nil {
		panic(err)
	}
	return d.MustMkdir(parent), leaf
}

// MustRemove deletes an entry at a host-form path, to simulate
// out-of-band mutation on the device.
func (d *Device) MustRemove(path string) {
	parentPath, leaf, err := unified.ParentPath(path)
	if err != nil {
		panic(err)
	}
	parent := d.Lookup(parentPath)
	if parent == nil {
		panic(fmt.Sprintf("no parent for %s", path))
	}
	parent.removeChild(leaf)
}

// Lookup resolves a host-form path, or nil.
func (d *Device) Lookup(path string) *Entry {
	drive, components, err := unified.SplitPath(path)
	if err != nil {
		return nil
	}
	dr, ok := d.Drives[drive]
	if !ok {
		return nil
	}
	cur := dr.Root
	for _, comp := range components {
		cur = cur.child(comp)
		if cur == nil {
			return nil
		}
	}
	return cur
}

////////////////////////////////////////////////////////////////////////
// Wire handling
////////////////////////////////////////////////////////////////////////

const opIdent uint8 = 0xfe

// remoteErr returns a device-minted status error.
func remoteErr(code uint16) error { return fserrors.NewRemoteError(code) }

// Handle services one request frame, returning the reply payload
// (without status) or a remote error. Plug into link.FakeLink.
func (d *Device) Handle(req link.Frame) (link.Frame, error) {
	dec := link.NewDecoder(req)
	opcode := dec.U8()
	if err := dec.Err(); err != nil {
		return nil, err
	}
	d.Ops = append(d.Ops, opcode)

	var enc link.Encoder
	if opcode == opIdent {
		enc.U8(uint8(d.Generation))
		return enc.Frame(), nil
	}

	op := unified.Op(opcode)
	err := d.dispatch(op, dec, &enc)
	if err != nil {
		return nil, err
	}
	if derr := dec.Err(); derr != nil {
		return nil, derr
	}
	return enc.Frame(), nil
}

// decodePath reads a wire path and converts it back to host form.
func decodePath(dec *link.Decoder) (string, error) {
	raw := dec.String()
	if len(raw) < 3 || raw[1] != ':' || raw[2] != '\\' {
		return "", remoteErr(fserrors.RemoteCodeNotFound)
	}
	drive := raw[0]
	rest := raw[3:]
	var components []string
	if len(rest) > 0 {
		for _, part := range strings.Split(string(rest), `\`) {
			components = append(components, names.FromRemote([]byte(part)))
		}
	}
	return unified.JoinPath(drive, components), nil
}

func (d *Device) dispatch(op unified.Op, dec *link.Decoder, enc *link.Encoder) error {
	switch op {
	case unified.OpDriveInfo:
		return d.opDriveInfo(dec, enc)
	case unified.OpDiscName:
		return d.opDiscName(dec)
	case unified.OpEnumerate:
		return d.opEnumerate(dec, enc)
	case unified.OpInfo:
		return d.opInfo(dec, enc)
	case unified.OpMkdir:
		return d.opMkdir(dec)
	case unified.OpRemove:
		return d.opRemove(dec, false)
	case unified.OpRmdir:
		return d.opRemove(dec, true)
	case unified.OpRename:
		return d.opRename(dec)
	case unified.OpSetAttr:
		return d.opSetAttr(dec)
	case unified.OpSetStamp:
		return d.opSetStamp(dec)
	case unified.OpOpen:
		return d.opOpen(dec, enc)
	case unified.OpClose:
		return d.opClose(dec)
	case unified.OpSeek:
		return d.opSeek(dec)
	case unified.OpRead:
		return d.opRead(dec, enc)
	case unified.OpWrite:
		return d.opWrite(dec)
	case unified.OpWriteZeros:
		return d.opWriteZeros(dec)
	case unified.OpSetSize:
		return d.opSetSize(dec)
	case unified.OpFlush:
		return d.opFlush(dec)
	case unified.OpMachineInfo:
		return d.opMachineInfo(enc)
	case unified.OpTaskList:
		return d.opTaskList(enc)
	case unified.OpTaskDetail:
		return d.opTaskDetail(dec, enc)
	case unified.OpStop:
		_ = dec.String()
		return nil
	case unified.OpStart:
		_, _ = dec.String(), dec.String()
		_ = dec.U8()
		return nil
	case unified.OpPower:
		return d.opPower(enc)
	case unified.OpReadTime:
		enc.U32(d.Clock.Low)
		enc.U8(uint8(d.Clock.High))
		return nil
	case unified.OpWriteTime:
		d.Clock = unified.RemoteTime{Low: dec.U32(), High: uint16(dec.U8())}
		return nil
	case unified.OpOwnerInfo:
		enc.String([]byte(d.Owner))
		return nil
	}
	return remoteErr(0x00ff)
}

func (d *Device) opDriveInfo(dec *link.Decoder, enc *link.Encoder) error {
	letter := dec.U8()
	dr, ok := d.Drives[letter]
	if !ok {
		// Absent drives report not-present rather than erroring.
		enc.U8(0)
		enc.String(nil)
		enc.U32(0)
		enc.U32(0)
		enc.U32(0)
		return nil
	}
	var flags uint8
	if dr.Info.Present {
		flags |= 1
	}
	if dr.Info.ReadOnly {
		flags |= 2
	}
	enc.U8(flags)
	remote, _ := names.ToRemote(dr.Info.Name)
	if dr.Info.Name == "" {
		remote = nil
	}
	enc.String(remote)
	enc.U32(uint32(dr.Info.Size))
	enc.U32(uint32(dr.Info.Free))
	enc.U32(dr.Info.ID)
	return nil
}

func (d *Device) opDiscName(dec *link.Decoder) error {
	letter := dec.U8()
	name := names.FromRemote(dec.String())
	dr, ok := d.Drives[letter]
	if !ok {
		return remoteErr(fserrors.RemoteCodeNotFound)
	}
	dr.Info.Name = name
	return nil
}

func encodeEntry(enc *link.Encoder, e *Entry) {
	remote, _ := names.ToRemote(e.Name)
	enc.String(remote)
	enc.U32(e.Load)
	enc.U32(e.Exec)
	enc.U32(uint32(len(e.Data)))
	enc.U8(e.Attr)
	enc.U8(uint8(e.Kind))
}

func (d *Device) opEnumerate(dec *link.Decoder, enc *link.Encoder) error {
	path, err := decodePath(dec)
	if err != nil {
		return err
	}
	offset := int(int32(dec.U32()))
	maxEntries := int(dec.U16())

	e := d.Lookup(path)
	if e == nil {
		return remoteErr(fserrors.RemoteCodeDirNotFound)
	}
	children := e.sortedChildren()
	if offset < 0 || offset >= len(children) {
		enc.U16(0)
		enc.U32(0xffffffff)
		return nil
	}
	window := children[offset:]
	next := -1
	if len(window) > maxEntries {
		if d.StrictWindows {
			return remoteErr(fserrors.RemoteCodeBufferTooSmall)
		}
		window = window[:maxEntries]
		next = offset + maxEntries
	}
	enc.U16(uint16(len(window)))
	for _, c := range window {
		encodeEntry(enc, c)
	}
	enc.U32(uint32(int32(next)))
	return nil
}

func (d *Device) opInfo(dec *link.Decoder, enc *link.Encoder) error {
	path, err := decodePath(dec)
	if err != nil {
		return err
	}
	e := d.Lookup(path)
	if e == nil {
		return remoteErr(fserrors.RemoteCodeNotFound)
	}
	encodeEntry(enc, e)
	return nil
}

func (d *Device) opMkdir(dec *link.Decoder) error {
	path, err := decodePath(dec)
	if err != nil {
		return err
	}
	if d.Lookup(path) != nil {
		return remoteErr(fserrors.RemoteCodeAlreadyExists)
	}
	parentPath, leaf, err := unified.ParentPath(path)
	if err != nil {
		return remoteErr(fserrors.RemoteCodeNotFound)
	}
	parent := d.Lookup(parentPath)
	if parent == nil || parent.Kind != unified.KindDirectory {
		return remoteErr(fserrors.RemoteCodeDirNotFound)
	}
	parent.putChild(&Entry{Name: leaf, Kind: unified.KindDirectory})
	return nil
}

func (d *Device) opRemove(dec *link.Decoder, wantDir bool) error {
	path, err := decodePath(dec)
	if err != nil {
		return err
	}
	e := d.Lookup(path)
	if e == nil {
		// Idempotent on the wire.
		return nil
	}
	if wantDir && len(e.children) > 0 {
		return remoteErr(fserrors.RemoteCodeDirNotEmpty)
	}
	parentPath, leaf, err := unified.ParentPath(path)
	if err != nil {
		return remoteErr(fserrors.RemoteCodeAccessDenied)
	}
	parent := d.Lookup(parentPath)
	if parent != nil {
		parent.removeChild(leaf)
	}
	return nil
}

func (d *Device) opRename(dec *link.Decoder) error {
	src, err := decodePath(dec)
	if err != nil {
		return err
	}
	dst, err := decodePath(dec)
	if err != nil {
		return err
	}
	e := d.Lookup(src)
	if e == nil {
		return remoteErr(fserrors.RemoteCodeNotFound)
	}
	if d.Lookup(dst) != nil && !strings.EqualFold(src, dst) {
		return remoteErr(fserrors.RemoteCodeAlreadyExists)
	}
	srcParentPath, srcLeaf, _ := unified.ParentPath(src)
	dstParentPath, dstLeaf, _ := unified.ParentPath(dst)
	srcParent := d.Lookup(srcParentPath)
	dstParent := d.Lookup(dstParentPath)
	if srcParent == nil || dstParent == nil {
		return remoteErr(fserrors.RemoteCodeDirNotFound)
	}
	srcParent.removeChild(srcLeaf)
	e.Name = dstLeaf
	dstParent.putChild(e)
	return nil
}

func (d *Device) opSetAttr(dec *link.Decoder) error {
	path, err := decodePath(dec)
	if err != nil {
		return err
	}
	attr := dec.U8()
	e := d.Lookup(path)
	if e == nil {
		return remoteErr(fserrors.RemoteCodeNotFound)
	}
	e.Attr = attr
	return nil
}

func (d *Device) opSetStamp(dec *link.Decoder) error {
	path, err := decodePath(dec)
	if err != nil {
		return err
	}
	load, exec := dec.U32(), dec.U32()
	e := d.Lookup(path)
	if e == nil {
		return remoteErr(fserrors.RemoteCodeNotFound)
	}
	e.Load, e.Exec = load, exec
	return nil
}

func (d *Device) opOpen(dec *link.Decoder, enc *link.Encoder) error {
	path, err := decodePath(dec)
	if err != nil {
		return err
	}
	mode := unified.Mode(dec.U8())

	e := d.Lookup(path)
	switch {
	case e == nil && mode != unified.ModeCreate:
		return remoteErr(fserrors.RemoteCodeNotFound)
	case e == nil:
		parentPath, leaf, perr := unified.ParentPath(path)
		if perr != nil {
			return remoteErr(fserrors.RemoteCodeNotFound)
		}
		parent := d.Lookup(parentPath)
		if parent == nil || parent.Kind != unified.KindDirectory {
			return remoteErr(fserrors.RemoteCodeDirNotFound)
		}
		e = &Entry{Name: leaf, Kind: unified.KindFile}
		parent.putChild(e)
	case e.Kind == unified.KindDirectory:
		return remoteErr(fserrors.RemoteCodeAccessDenied)
	case mode == unified.ModeCreate:
		e.Data = nil
	}

	d.nextH++
	d.handles[d.nextH] = &openHandle{entry: e}
	enc.U32(d.nextH)
	return nil
}

func (d *Device) handle(dec *link.Decoder) (*openHandle, error) {
	h := dec.U32()
	oh, ok := d.handles[h]
	if !ok {
		return nil, remoteErr(0x0030)
	}
	return oh, nil
}

func (d *Device) opClose(dec *link.Decoder) error {
	h := dec.U32()
	if _, ok := d.handles[h]; !ok {
		return remoteErr(0x0030)
	}
	delete(d.handles, h)
	return nil
}

func (d *Device) opSeek(dec *link.Decoder) error {
	oh, err := d.handle(dec)
	if err != nil {
		return err
	}
	oh.pos = int64(dec.U32())
	return nil
}

func (d *Device) opRead(dec *link.Decoder, enc *link.Encoder) error {
	oh, err := d.handle(dec)
	if err != nil {
		return err
	}
	length := int(dec.U16())
	data := oh.entry.Data
	if oh.pos >= int64(len(data)) {
		enc.String(nil)
		return nil
	}
	chunk := data[oh.pos:]
	if len(chunk) > length {
		chunk = chunk[:length]
	}
	oh.pos += int64(len(chunk))
	enc.String(chunk)
	return nil
}

func (oh *openHandle) writeAt(data []byte) {
	end := oh.pos + int64(len(data))
	if int64(len(oh.entry.Data)) < end {
		grown := make([]byte, end)
		copy(grown, oh.entry.Data)
		oh.entry.Data = grown
	}
	copy(oh.entry.Data[oh.pos:], data)
	oh.pos = end
}

func (d *Device) opWrite(dec *link.Decoder) error {
	oh, err := d.handle(dec)
	if err != nil {
		return err
	}
	oh.writeAt(dec.String())
	return nil
}

func (d *Device) opWriteZeros(dec *link.Decoder) error {
	oh, err := d.handle(dec)
	if err != nil {
		return err
	}
	oh.writeAt(make([]byte, dec.U32()))
	return nil
}

func (d *Device) opSetSize(dec *link.Decoder) error {
	oh, err := d.handle(dec)
	if err != nil {
		return err
	}
	size := int64(dec.U32())
	data := oh.entry.Data
	switch {
	case int64(len(data)) > size:
		oh.entry.Data = data[:size]
	case int64(len(data)) < size:
		grown := make([]byte, size)
		copy(grown, data)
		oh.entry.Data = grown
	}
	if oh.pos > size {
		oh.pos = size
	}
	return nil
}

func (d *Device) opFlush(dec *link.Decoder) error {
	_, err := d.handle(dec)
	return err
}

func (d *Device) opMachineInfo(enc *link.Encoder) error {
	enc.String([]byte(d.Machine.Type))
	enc.String([]byte(d.Machine.Name))
	enc.U32(d.Machine.ID.Low)
	enc.U32(d.Machine.ID.High)
	enc.U8(d.Machine.Language)
	enc.U16(d.Machine.Version.Major)
	enc.U16(d.Machine.Version.Minor)
	enc.U16(d.Machine.Version.Build)
	return nil
}

func (d *Device) opTaskList(enc *link.Encoder) error {
	enc.U16(uint16(len(d.Tasks)))
	for _, t := range d.Tasks {
		enc.String([]byte(t.Name))
	}
	return nil
}

func (d *Device) opTaskDetail(dec *link.Decoder, enc *link.Encoder) error {
	name := string(dec.String())
	detail, ok := d.Details[name]
	if !ok {
		return remoteErr(fserrors.RemoteCodeNotFound)
	}
	enc.String([]byte(detail.Program))
	enc.String([]byte(detail.Args))
	return nil
}

func (d *Device) opPower(enc *link.Encoder) error {
	for _, b := range []unified.BatteryStatus{d.Power.Main, d.Power.Backup} {
		enc.U8(b.Status)
		enc.U32(b.MV)
		enc.U32(b.MVMax)
	}
	if d.Power.External {
		enc.U8(1)
	} else {
		enc.U8(0)
	}
	return nil
}
