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

// Package unified presents the device-agnostic command set over a link
// channel. One Client serves one session; the connected generation is
// fixed by Handshake and determines which ops exist on the wire and
// how names are limited.
package unified

import (
	"context"
	"fmt"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/link"
	"github.com/psilink/pocketfs/metrics"
	"github.com/psilink/pocketfs/names"
)

// opIdent is the out-of-band handshake opcode, identical on both
// generations.
const opIdent uint8 = 0xfe

// Client translates abstract commands to the wire for the connected
// device generation. Not safe for concurrent access; the session's
// single task is the only caller.
type Client struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	ch link.Channel
	mh metrics.Handle

	/////////////////////////
	// Mutable state
	/////////////////////////

	dialect *dialect
}

func NewClient(ch link.Channel, mh metrics.Handle) *Client {
	if mh == nil {
		mh = metrics.NewNoop()
	}
	return &Client{ch: ch, mh: mh}
}

// Generation returns the negotiated generation, or zero before
// Handshake.
func (c *Client) Generation() Generation {
	if c.dialect == nil {
		return 0
	}
	return c.dialect.generation
}

// SetGeneration fixes the dialect without a handshake, for sessions
// started with an explicit generation.
func (c *Client) SetGeneration(g Generation) {
	c.dialect = newDialect(g)
}

// Handshake asks the device which generation it speaks and fixes the
// dialect accordingly.
func (c *Client) Handshake(ctx context.Context) (Generation, error) {
	var e link.Encoder
	e.U8(opIdent)
	reply, err := c.ch.Send(ctx, e.Frame())
	if err != nil {
		return 0, err
	}
	d := link.NewDecoder(reply)
	g := Generation(d.U8())
	if err := d.Err(); err != nil {
		return 0, err
	}
	switch g {
	case GenerationSIBO, GenerationERA:
		c.dialect = newDialect(g)
		return g, nil
	}
	return 0, fmt.Errorf("%w: unknown generation %d", fserrors.ErrBadHeader, g)
}

// call encodes one request, sends it, and returns a decoder over the
// reply payload.
func (c *Client) call(ctx context.Context, op Op, build func(e *link.Encoder)) (*link.Decoder, error) {
	if c.dialect == nil {
		return nil, fmt.Errorf("%w: no generation negotiated", fserrors.ErrLinkClosed)
	}
	opcode, ok := c.dialect.opcodes[op]
	if !ok {
		return nil, fmt.Errorf("%w: %v on %v", fserrors.ErrUnsupported, op, c.dialect.generation)
	}

	var e link.Encoder
	e.U8(opcode)
	if build != nil {
		build(&e)
	}

	c.mh.RPCSent(op.String())
	reply, err := c.ch.Send(ctx, e.Frame())
	if err != nil {
		c.mh.RPCFailed(op.String())
		return nil, err
	}
	return link.NewDecoder(reply), nil
}

// finish folds a decoder's error state into the op result.
func finish(d *link.Decoder) error {
	return d.Err()
}

////////////////////////////////////////////////////////////////////////
// Drives and directories
////////////////////////////////////////////////////////////////////////

func (c *Client) DriveInfo(ctx context.Context, drive byte) (DriveInfo, error) {
	d, err := c.call(ctx, OpDriveInfo, func(e *link.Encoder) {
		e.U8(drive)
	})
	if err != nil {
		return DriveInfo{}, err
	}
	flags := d.U8()
	info := DriveInfo{
		Present:  flags&1 != 0,
		ReadOnly: flags&2 != 0,
		Name:     names.FromRemote(d.String()),
		Size:     int64(d.U32()),
		Free:     int64(d.U32()),
		ID:       d.U32(),
	}
	return info, finish(d)
}

func (c *Client) DiscName(ctx context.Context, drive byte, name string) error {
	remote, err := names.ToRemote(name)
	if err != nil {
		return err
	}
	d, err := c.call(ctx, OpDiscName, func(e *link.Encoder) {
		e.U8(drive)
		e.String(remote)
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func decodeEntry(d *link.Decoder) EntryInfo {
	return EntryInfo{
		Name: names.FromRemote(d.String()),
		Load: d.U32(),
		Exec: d.U32(),
		Size: int64(d.U32()),
		Attr: d.U8(),
		Kind: EntryKind(d.U8()),
	}
}

// Enumerate lists one window of a directory. offset < 0 means "end";
// passing it returns an empty window. The returned next offset is -1
// at the end of the listing. A window that would not fit maxEntries
// reports BufferTooSmall; the cache recovers by doubling.
func (c *Client) Enumerate(ctx context.Context, path string, offset int, maxEntries int) (entries []EntryInfo, next int, err error) {
	if offset < 0 {
		return nil, -1, nil
	}
	remote, err := encodePath(path)
	if err != nil {
		return nil, 0, err
	}
	d, err := c.call(ctx, OpEnumerate, func(e *link.Encoder) {
		e.String(remote)
		e.U32(uint32(offset))
		e.U16(uint16(maxEntries))
	})
	if err != nil {
		return nil, 0, err
	}

	count := int(d.U16())
	if count > maxEntries {
		return nil, 0, fserrors.ErrBufferTooSmall
	}
	entries = make([]EntryInfo, 0, count)
	for i := 0; i < count; i++ {
		entries = append(entries, decodeEntry(d))
	}
	next = int(int32(d.U32()))
	if err := finish(d); err != nil {
		return nil, 0, err
	}
	if next < 0 {
		next = -1
	}
	return entries, next, nil
}

func (c *Client) Info(ctx context.Context, path string) (EntryInfo, error) {
	remote, err := encodePath(path)
	if err != nil {
		return EntryInfo{}, err
	}
	d, err := c.call(ctx, OpInfo, func(e *link.Encoder) {
		e.String(remote)
	})
	if err != nil {
		return EntryInfo{}, err
	}
	info := decodeEntry(d)
	return info, finish(d)
}

func (c *Client) pathOnly(ctx context.Context, op Op, path string) error {
	remote, err := encodePath(path)
	if err != nil {
		return err
	}
	d, err := c.call(ctx, op, func(e *link.Encoder) {
		e.String(remote)
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func (c *Client) Mkdir(ctx context.Context, path string) error {
	return c.pathOnly(ctx, OpMkdir, path)
}

func (c *Client) Remove(ctx context.Context, path string) error {
	return c.pathOnly(ctx, OpRemove, path)
}

func (c *Client) Rmdir(ctx context.Context, path string) error {
	return c.pathOnly(ctx, OpRmdir, path)
}

func (c *Client) Rename(ctx context.Context, src, dst string) error {
	rs, err := encodePath(src)
	if err != nil {
		return err
	}
	rd, err := encodePath(dst)
	if err != nil {
		return err
	}
	d, err := c.call(ctx, OpRename, func(e *link.Encoder) {
		e.String(rs)
		e.String(rd)
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func (c *Client) SetAttr(ctx context.Context, path string, attr uint8) error {
	remote, err := encodePath(path)
	if err != nil {
		return err
	}
	d, err := c.call(ctx, OpSetAttr, func(e *link.Encoder) {
		e.String(remote)
		e.U8(attr)
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func (c *Client) SetStamp(ctx context.Context, path string, load, exec uint32) error {
	remote, err := encodePath(path)
	if err != nil {
		return err
	}
	d, err := c.call(ctx, OpSetStamp, func(e *link.Encoder) {
		e.String(remote)
		e.U32(load)
		e.U32(exec)
	})
	if err != nil {
		return err
	}
	return finish(d)
}

////////////////////////////////////////////////////////////////////////
// Open files
////////////////////////////////////////////////////////////////////////

func (c *Client) Open(ctx context.Context, path string, mode Mode) (RemoteHandle, error) {
	remote, err := encodePath(path)
	if err != nil {
		return 0, err
	}
	d, err := c.call(ctx, OpOpen, func(e *link.Encoder) {
		e.String(remote)
		e.U8(uint8(mode))
	})
	if err != nil {
		return 0, err
	}
	h := RemoteHandle(d.U32())
	return h, finish(d)
}

func (c *Client) handleOnly(ctx context.Context, op Op, h RemoteHandle) error {
	d, err := c.call(ctx, op, func(e *link.Encoder) {
		e.U32(uint32(h))
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func (c *Client) Close(ctx context.Context, h RemoteHandle) error {
	return c.handleOnly(ctx, OpClose, h)
}

func (c *Client) Flush(ctx context.Context, h RemoteHandle) error {
	return c.handleOnly(ctx, OpFlush, h)
}

func (c *Client) Seek(ctx context.Context, h RemoteHandle, offset int64) error {
	d, err := c.call(ctx, OpSeek, func(e *link.Encoder) {
		e.U32(uint32(h))
		e.U32(uint32(offset))
	})
	if err != nil {
		return err
	}
	return finish(d)
}

// Read returns up to length bytes from the handle's current sequential
// position. A short return is the end of the file.
func (c *Client) Read(ctx context.Context, h RemoteHandle, length int) ([]byte, error) {
	d, err := c.call(ctx, OpRead, func(e *link.Encoder) {
		e.U32(uint32(h))
		e.U16(uint16(length))
	})
	if err != nil {
		return nil, err
	}
	data := d.String()
	return data, finish(d)
}

func (c *Client) Write(ctx context.Context, h RemoteHandle, data []byte) error {
	d, err := c.call(ctx, OpWrite, func(e *link.Encoder) {
		e.U32(uint32(h))
		e.String(data)
	})
	if err != nil {
		return err
	}
	return finish(d)
}

// WriteZeros extends the file with length zero bytes at the current
// position. SIBO has no such op on the wire; it is emulated by a plain
// write of a zero buffer.
func (c *Client) WriteZeros(ctx context.Context, h RemoteHandle, length int) error {
	if !c.dialect.supports(OpWriteZeros) {
		return c.Write(ctx, h, make([]byte, length))
	}
	d, err := c.call(ctx, OpWriteZeros, func(e *link.Encoder) {
		e.U32(uint32(h))
		e.U32(uint32(length))
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func (c *Client) SetSize(ctx context.Context, h RemoteHandle, size int64) error {
	d, err := c.call(ctx, OpSetSize, func(e *link.Encoder) {
		e.U32(uint32(h))
		e.U32(uint32(size))
	})
	if err != nil {
		return err
	}
	return finish(d)
}

////////////////////////////////////////////////////////////////////////
// Machine facts, tasks, time, owner
////////////////////////////////////////////////////////////////////////

func (c *Client) MachineInfo(ctx context.Context) (MachineInfo, error) {
	d, err := c.call(ctx, OpMachineInfo, nil)
	if err != nil {
		return MachineInfo{}, err
	}
	info := MachineInfo{
		Type: string(d.String()),
		Name: string(d.String()),
		ID:   MachineID{Low: d.U32(), High: d.U32()},
	}
	info.Language = d.U8()
	info.Version = Version{Major: d.U16(), Minor: d.U16(), Build: d.U16()}
	return info, finish(d)
}

func (c *Client) TaskList(ctx context.Context) ([]Task, error) {
	d, err := c.call(ctx, OpTaskList, nil)
	if err != nil {
		return nil, err
	}
	count := int(d.U16())
	tasks := make([]Task, 0, count)
	for i := 0; i < count; i++ {
		tasks = append(tasks, Task{Name: string(d.String())})
	}
	return tasks, finish(d)
}

func (c *Client) TaskDetail(ctx context.Context, name string) (TaskDetail, error) {
	d, err := c.call(ctx, OpTaskDetail, func(e *link.Encoder) {
		e.String([]byte(name))
	})
	if err != nil {
		return TaskDetail{}, err
	}
	detail := TaskDetail{
		Program: string(d.String()),
		Args:    string(d.String()),
	}
	return detail, finish(d)
}

func (c *Client) Stop(ctx context.Context, name string) error {
	d, err := c.call(ctx, OpStop, func(e *link.Encoder) {
		e.String([]byte(name))
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func (c *Client) Start(ctx context.Context, program, args string, action StartAction) error {
	d, err := c.call(ctx, OpStart, func(e *link.Encoder) {
		e.String([]byte(program))
		e.String([]byte(args))
		e.U8(uint8(action))
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func (c *Client) Power(ctx context.Context) (PowerInfo, error) {
	d, err := c.call(ctx, OpPower, nil)
	if err != nil {
		return PowerInfo{}, err
	}
	readBattery := func() BatteryStatus {
		return BatteryStatus{Status: d.U8(), MV: d.U32(), MVMax: d.U32()}
	}
	info := PowerInfo{Main: readBattery(), Backup: readBattery()}
	info.External = d.U8() != 0
	return info, finish(d)
}

func (c *Client) ReadTime(ctx context.Context) (RemoteTime, error) {
	d, err := c.call(ctx, OpReadTime, nil)
	if err != nil {
		return RemoteTime{}, err
	}
	rt := RemoteTime{Low: d.U32(), High: uint16(d.U8())}
	return rt, finish(d)
}

// WriteTime sets the device clock. The wire packs the high word into a
// single byte; values that would not fit are rejected rather than
// silently truncated.
func (c *Client) WriteTime(ctx context.Context, t RemoteTime) error {
	if t.High > 0xff {
		return fmt.Errorf("%w: time high word %#x overflows the wire field", fserrors.ErrBadParams, t.High)
	}
	d, err := c.call(ctx, OpWriteTime, func(e *link.Encoder) {
		e.U32(t.Low)
		e.U8(uint8(t.High))
	})
	if err != nil {
		return err
	}
	return finish(d)
}

func (c *Client) OwnerInfo(ctx context.Context) (string, error) {
	d, err := c.call(ctx, OpOwnerInfo, nil)
	if err != nil {
		return "", err
	}
	owner := string(d.String())
	return owner, finish(d)
}
