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
	"io"
	"testing"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/unified"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRunsCommandSynchronously(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, []byte("abc"))

	result, err := h.session.Do(context.Background(), &InfoCmd{Path: `C:\f`})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.(unified.EntryInfo).Size)
}

func TestFileIOStreamsThroughTheCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Write a device file through the adapter.
	w, err := NewFileIO(ctx, h.session, `C:\backup`, unified.ModeCreate)
	require.NoError(t, err)
	payload := []byte("streamed through the pending-op queue")
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, w.Close())

	assert.Equal(t, payload, h.dev.Lookup(`C:\backup`).Data)

	// Read it back with mixed sequential and random access.
	r, err := NewFileIO(ctx, h.session, `C:\backup`, unified.ModeRead)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), r.Size())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	var at [8]byte
	_, err = r.ReadAt(at[:], 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("through "), at[:])
	require.NoError(t, r.Close())

	h.session.checkInvariants()
	assert.Empty(t, h.session.openFiles)
}

func TestFileIOSeek(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, []byte("0123456789"))
	ctx := context.Background()

	f, err := NewFileIO(ctx, h.session, `C:\f`, unified.ModeRead)
	require.NoError(t, err)

	pos, err := f.Seek(-4, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	var b [4]byte
	n, err := f.Read(b[:])
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("6789"), b[:])

	_, err = f.Seek(-100, io.SeekStart)
	assert.ErrorIs(t, err, fserrors.ErrSeekOutsideExtent)
	require.NoError(t, f.Close())
}
