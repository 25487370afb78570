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
	"testing"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePrimitives(t *testing.T) {
	var e Encoder
	e.U8(0xab)
	e.U16(0x1234)
	e.U32(0xdeadbeef)
	e.String([]byte("hello"))
	e.FixedString([]byte("hi"), 4)

	d := NewDecoder(e.Frame())
	assert.Equal(t, uint8(0xab), d.U8())
	assert.Equal(t, uint16(0x1234), d.U16())
	assert.Equal(t, uint32(0xdeadbeef), d.U32())
	assert.Equal(t, []byte("hello"), d.String())
	assert.Equal(t, []byte("hi"), d.FixedString(4))
	require.NoError(t, d.Err())
	assert.Zero(t, d.Remaining())
}

func TestLittleEndianLayout(t *testing.T) {
	var e Encoder
	e.U16(0x1234)
	e.U32(0x01020304)

	assert.Equal(t, Frame{0x34, 0x12, 0x04, 0x03, 0x02, 0x01}, e.Frame())
}

func TestDecoderTruncationSticks(t *testing.T) {
	d := NewDecoder(Frame{0x01})
	_ = d.U32()
	assert.ErrorIs(t, d.Err(), fserrors.ErrBadHeader)

	// Later reads stay failed and return zero values.
	assert.Zero(t, d.U8())
	assert.ErrorIs(t, d.Err(), fserrors.ErrBadHeader)
}

func TestFixedStringStripsPadding(t *testing.T) {
	d := NewDecoder(Frame{'a', 'b', 0, 0})
	assert.Equal(t, []byte("ab"), d.FixedString(4))
	require.NoError(t, d.Err())
}
