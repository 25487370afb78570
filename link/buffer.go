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

package link

import (
	"encoding/binary"
	"fmt"

	"github.com/psilink/pocketfs/internal/fserrors"
)

// A Frame is the payload of one request or reply, excluding the length
// prefix the channel adds on the wire.
type Frame []byte

// Encoder builds a frame from primitive little-endian fields.
// The zero value is ready to use.
type Encoder struct {
	buf []byte
}

func (e *Encoder) U8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) U16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) U32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

// Bytes appends raw bytes with no length prefix.
func (e *Encoder) Bytes(b []byte) { e.buf = append(e.buf, b...) }

// FixedString appends exactly n bytes: s truncated or zero-padded.
func (e *Encoder) FixedString(s []byte, n int) {
	for i := 0; i < n; i++ {
		if i < len(s) {
			e.buf = append(e.buf, s[i])
		} else {
			e.buf = append(e.buf, 0)
		}
	}
}

// String appends a u16-LE length prefix followed by the bytes.
func (e *Encoder) String(s []byte) {
	e.U16(uint16(len(s)))
	e.Bytes(s)
}

func (e *Encoder) Frame() Frame { return Frame(e.buf) }

// Decoder consumes primitive fields from a frame. The first decode
// error sticks; callers check Err once at the end.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(f Frame) *Decoder { return &Decoder{buf: f} }

func (d *Decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated frame at offset %d", fserrors.ErrBadHeader, d.off)
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil || d.off+n > len(d.buf) {
		d.fail()
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// FixedString reads exactly n bytes and strips trailing NULs.
func (d *Decoder) FixedString(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	out := make([]byte, end)
	copy(out, b[:end])
	return out
}

// String reads a u16-LE length prefix followed by that many bytes.
func (d *Decoder) String() []byte {
	n := int(d.U16())
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Rest returns whatever has not been consumed.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf[d.off:]
	d.off = len(d.buf)
	return b
}

// Remaining reports how many bytes have not been consumed.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) Err() error { return d.err }
