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

package tarfile

import (
	"fmt"
	"io"
	"time"

	"github.com/psilink/pocketfs/clock"
	"github.com/psilink/pocketfs/internal/fserrors"
)

const (
	// stepTarget is the wall time one step aims for.
	stepTarget = 30 * time.Millisecond

	minStepBlocks = 1
	maxStepBlocks = 32
)

type opKind int

const (
	opIdle opKind = iota
	opSkip
	opExtract
	opAdd
	opCopySrc
	opCopyDest
)

// Handle is one logical view of a tar stream. Clones share the
// underlying stream under a reference count; the stream is finalized
// (writers get their terminator) when the last reference closes.
type Handle struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	rws io.ReadWriteSeeker
	clk clock.Clock

	/////////////////////////
	// Shared state
	/////////////////////////

	// refs counts the handles sharing rws.
	refs *int

	write bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// stepBlocks adapts toward stepTarget of real time per step.
	stepBlocks int

	op      opKind
	pending *Header

	// remain is data blocks left in the current operation.
	remain int64

	// last is the unpadded byte count of the final data block.
	last int

	// Extract destination / Add source.
	dst io.Writer
	src io.Reader

	// partner couples the two halves of a Copy.
	partner *Handle
}

// OpenReader opens an existing archive for reading.
func OpenReader(rws io.ReadWriteSeeker, clk clock.Clock) *Handle {
	refs := 1
	return &Handle{rws: rws, clk: clk, refs: &refs, stepBlocks: maxStepBlocks}
}

// OpenWriter opens an archive for writing. With append set, the
// position is backed up over the trailing zero-block terminator of the
// existing contents so new members extend the archive.
func OpenWriter(rws io.ReadWriteSeeker, clk clock.Clock, append bool) (*Handle, error) {
	refs := 1
	h := &Handle{rws: rws, clk: clk, refs: &refs, write: true, stepBlocks: maxStepBlocks}
	if !append {
		if _, err := rws.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return h, nil
	}

	end, err := rws.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if end%BlockSize != 0 {
		return nil, fmt.Errorf("%w: archive is not block aligned", fserrors.ErrBadHeader)
	}
	// Truncate the terminator: back up while the trailing block is
	// zero, at most two blocks.
	pos := end
	var block [BlockSize]byte
	for i := 0; i < 2 && pos >= BlockSize; i++ {
		if _, err := rws.Seek(pos-BlockSize, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(rws, block[:]); err != nil {
			return nil, err
		}
		if !isZeroBlock(block[:]) {
			break
		}
		pos -= BlockSize
	}
	if _, err := rws.Seek(pos, io.SeekStart); err != nil {
		return nil, err
	}
	return h, nil
}

// Clone returns another handle onto the same stream.
func (h *Handle) Clone() *Handle {
	*h.refs++
	cp := *h
	cp.op = opIdle
	cp.partner = nil
	return &cp
}

// Close releases the handle. The last writing reference appends the
// two-block terminator.
func (h *Handle) Close() error {
	*h.refs--
	if *h.refs > 0 {
		return nil
	}
	if h.write {
		var zero [2 * BlockSize]byte
		if _, err := h.rws.Write(zero[:]); err != nil {
			return err
		}
	}
	return nil
}

// Busy reports whether an operation is mid-flight.
func (h *Handle) Busy() bool { return h.op != opIdle }

// Info peeks at the next member's header without consuming it.
// Returns nil at the end of the archive.
func (h *Handle) Info() (*Header, error) {
	if h.op != opIdle {
		return nil, fmt.Errorf("%w: operation in progress", fserrors.ErrBadParams)
	}
	if h.pending != nil {
		return h.pending, nil
	}
	var block [BlockSize]byte
	if _, err := io.ReadFull(h.rws, block[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}
	hdr, err := decodeHeader(block[:])
	if err != nil {
		return nil, err
	}
	h.pending = hdr
	return hdr, nil
}

// begin consumes the pending header and sets up a data-block walk.
func (h *Handle) begin(op opKind) (*Header, error) {
	hdr, err := h.Info()
	if err != nil {
		return nil, err
	}
	if hdr == nil {
		return nil, fmt.Errorf("%w: at end of archive", fserrors.ErrBadParams)
	}
	h.pending = nil
	h.op = op
	h.remain = hdr.Blocks()
	h.last = int(hdr.Size % BlockSize)
	if h.last == 0 && hdr.Size > 0 {
		h.last = BlockSize
	}
	return hdr, nil
}

// Skip starts skipping the next member.
func (h *Handle) Skip() error {
	_, err := h.begin(opSkip)
	return err
}

// Extract starts extracting the next member's contents to dst.
func (h *Handle) Extract(dst io.Writer) (*Header, error) {
	hdr, err := h.begin(opExtract)
	if err != nil {
		return nil, err
	}
	h.dst = dst
	return hdr, nil
}

// Add starts appending a member read from src.
func (h *Handle) Add(hdr *Header, src io.Reader) error {
	if !h.write {
		return fserrors.ErrAccessDenied
	}
	if h.op != opIdle {
		return fmt.Errorf("%w: operation in progress", fserrors.ErrBadParams)
	}
	var block [BlockSize]byte
	if err := encodeHeader(block[:], hdr); err != nil {
		return err
	}
	if _, err := h.rws.Write(block[:]); err != nil {
		return err
	}
	h.op = opAdd
	h.src = src
	h.remain = hdr.Blocks()
	h.last = int(hdr.Size % BlockSize)
	if h.last == 0 && hdr.Size > 0 {
		h.last = BlockSize
	}
	return nil
}

// Copy starts copying the next member from h into dst, coupling the
// two handles until the member is fully transferred.
func (h *Handle) Copy(dst *Handle) (*Header, error) {
	if !dst.write {
		return nil, fserrors.ErrAccessDenied
	}
	if dst.op != opIdle {
		return nil, fmt.Errorf("%w: destination busy", fserrors.ErrBadParams)
	}
	hdr, err := h.begin(opCopySrc)
	if err != nil {
		return nil, err
	}
	var block [BlockSize]byte
	if err := encodeHeader(block[:], hdr); err != nil {
		h.op = opIdle
		return nil, err
	}
	if _, err := dst.rws.Write(block[:]); err != nil {
		h.op = opIdle
		return nil, err
	}
	dst.op = opCopyDest
	dst.remain = h.remain
	h.partner = dst
	dst.partner = h
	return hdr, nil
}

// Step advances the current operation by an adaptively sized burst of
// blocks, aiming at roughly stepTarget of wall time. It reports done
// when the operation has completed.
func (h *Handle) Step() (done bool, err error) {
	if h.op == opIdle {
		return true, nil
	}
	start := h.clk.Now()

	n := int64(h.stepBlocks)
	if n > h.remain {
		n = h.remain
	}
	if n > 0 {
		switch h.op {
		case opSkip:
			_, err = h.rws.Seek(n*BlockSize, io.SeekCurrent)
		case opExtract:
			err = h.stepExtract(n)
		case opAdd:
			err = h.stepAdd(n)
		case opCopySrc:
			err = h.stepCopy(n)
		}
		if err != nil {
			h.finishOp()
			return false, err
		}
		h.remain -= n
	}

	h.adapt(h.clk.Now().Sub(start))
	if h.remain > 0 {
		return false, nil
	}
	h.finishOp()
	return true, nil
}

// Run drives Step to completion synchronously, invoking the hourglass
// callback between steps for foreground feedback.
func (h *Handle) Run(hourglass func()) error {
	for {
		done, err := h.Step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if hourglass != nil {
			hourglass()
		}
	}
}

func (h *Handle) finishOp() {
	if h.partner != nil {
		h.partner.op = opIdle
		h.partner.remain = 0
		h.partner.partner = nil
		h.partner = nil
	}
	h.op = opIdle
	h.dst = nil
	h.src = nil
}

// adapt resizes the next burst toward the step target.
func (h *Handle) adapt(elapsed time.Duration) {
	switch {
	case elapsed < stepTarget/2 && h.stepBlocks < maxStepBlocks:
		h.stepBlocks *= 2
		if h.stepBlocks > maxStepBlocks {
			h.stepBlocks = maxStepBlocks
		}
	case elapsed > stepTarget*3/2 && h.stepBlocks > minStepBlocks:
		h.stepBlocks /= 2
	}
}

func (h *Handle) stepExtract(n int64) error {
	var block [BlockSize]byte
	for i := int64(0); i < n; i++ {
		if _, err := io.ReadFull(h.rws, block[:]); err != nil {
			return err
		}
		out := block[:]
		if h.remain-i == 1 {
			out = block[:h.last]
		}
		if _, err := h.dst.Write(out); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) stepAdd(n int64) error {
	var block [BlockSize]byte
	for i := int64(0); i < n; i++ {
		want := BlockSize
		if h.remain-i == 1 {
			want = h.last
		}
		read, err := io.ReadFull(h.src, block[:want])
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		for j := read; j < BlockSize; j++ {
			block[j] = 0
		}
		if _, err := h.rws.Write(block[:]); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) stepCopy(n int64) error {
	var block [BlockSize]byte
	for i := int64(0); i < n; i++ {
		if _, err := io.ReadFull(h.rws, block[:]); err != nil {
			return err
		}
		if _, err := h.partner.rws.Write(block[:]); err != nil {
			return err
		}
		h.partner.remain--
	}
	return nil
}
