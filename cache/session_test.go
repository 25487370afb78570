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
	"testing"
	"time"

	"github.com/psilink/pocketfs/cfg"
	"github.com/psilink/pocketfs/clock"
	"github.com/psilink/pocketfs/internal/fakedevice"
	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/link"
	"github.com/psilink/pocketfs/unified"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t       *testing.T
	dev     *fakedevice.Device
	fl      *link.FakeLink
	clk     *clock.SimulatedClock
	session *Session
	upcalls []Upcall
}

func testConfig() cfg.CacheConfig {
	return cfg.CacheConfig{
		DriveActiveTimeout:   20 * time.Second,
		DriveInactiveTimeout: 60 * time.Second,
		DirTimeout:           10 * time.Second,
		PowerTimeout:         30 * time.Second,
		RefreshCooldown:      0,
		InvalidCooldown:      0,
		ForeCooldown:         0,
		BackCooldown:         0,
		WriteBufferMultiple:  4096,
		EnumerateBufferCap:   4096,
	}
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t}
	h.dev = fakedevice.New(unified.GenerationERA)
	h.dev.AddDrive('C', "Work")
	h.fl = &link.FakeLink{Handler: h.dev.Handle}
	h.clk = clock.NewSimulatedClock(time.Unix(1_000_000_000, 0))

	client := unified.NewClient(h.fl, nil)
	h.session = NewSession(client, h.clk, testConfig(), nil, func(u Upcall) {
		h.upcalls = append(h.upcalls, u)
	})
	require.NoError(t, h.session.Start(context.Background(), 0))
	return h
}

// do enqueues one command and pumps Poll until its callback fires.
func (h *harness) do(cmd Command) (any, error) {
	var result any
	var opErr error
	done := false
	h.session.Enqueue(cmd, func(r any, err error) {
		result, opErr, done = r, err, true
	})
	h.pump()
	require.True(h.t, done, "op %s never completed", cmd.Kind())
	h.session.checkInvariants()
	return result, opErr
}

func (h *harness) pump() {
	for i := 0; i < 200 && !h.session.Idle(); i++ {
		h.session.Poll(context.Background())
	}
}

func (h *harness) mustDo(cmd Command) any {
	result, err := h.do(cmd)
	require.NoError(h.t, err, "op %s", cmd.Kind())
	return result
}

////////////////////////////////////////////////////////////////////////
// Scenarios
////////////////////////////////////////////////////////////////////////

func TestEnumerateEmptyRoot(t *testing.T) {
	h := newHarness(t)

	result := h.mustDo(&EnumerateCmd{Path: `C:\`}).(EnumerateResult)

	assert.Empty(t, result.Entries)
	assert.Equal(t, -1, result.Next)
}

func TestCreateWriteRead(t *testing.T) {
	h := newHarness(t)

	h.mustDo(&MkdirCmd{Path: `C:\d`})
	f := h.mustDo(&OpenCmd{Path: `C:\d\f`, Mode: unified.ModeCreate}).(*OpenFile)
	h.mustDo(&WriteCmd{File: f, Offset: 0, Data: []byte("HELLO")})
	h.mustDo(&CloseCmd{File: f})

	// The device holds exactly the written bytes after the close trim.
	assert.Equal(t, []byte("HELLO"), h.dev.Lookup(`C:\d\f`).Data)

	f2 := h.mustDo(&OpenCmd{Path: `C:\d\f`, Mode: unified.ModeRead}).(*OpenFile)
	result := h.mustDo(&ReadCmd{File: f2, Offset: 0, Length: 8}).(ReadResult)
	h.mustDo(&CloseCmd{File: f2})

	assert.Equal(t, []byte("HELLO\x00\x00\x00"), result.Data)
	assert.Equal(t, 5, result.Actual)
}

func TestRenamePreservesOpenHandle(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\a`, []byte("contents"))

	f := h.mustDo(&OpenCmd{Path: `C:\a`, Mode: unified.ModeUpdate}).(*OpenFile)
	h.mustDo(&RenameCmd{Src: `C:\a`, Dst: `C:\b`})
	args := h.mustDo(&ArgsCmd{File: f}).(ArgsResult)

	assert.Equal(t, `C:\b`, args.Path)
	h.mustDo(&CloseCmd{File: f})
}

func TestStaleListingRefreshes(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\x`, nil)

	c := testConfig()
	c.RefreshCooldown = time.Second
	c.InvalidCooldown = 100 * time.Millisecond
	h.session.config = c

	h.mustDo(&EnumerateCmd{Path: `C:\`})
	res := h.session.find(`C:\`, false)
	root := h.session.arena.mustGet(res.ref)
	firstListing := root.lastListing

	// Nothing stale yet: an idle poll issues no enumerate.
	opsBefore := len(h.dev.Ops)
	h.session.Poll(context.Background())
	enumsBefore := countOps(h.dev.Ops[opsBefore:], uint8(unified.OpEnumerate))
	assert.Zero(t, enumsBefore)

	// Past the listing deadline the refresher re-enumerates on its
	// own, and the listing time advances.
	h.clk.AdvanceTime(11 * time.Second)
	opsBefore = len(h.dev.Ops)
	h.session.Poll(context.Background())
	assert.Equal(t, 1, countOps(h.dev.Ops[opsBefore:], uint8(unified.OpEnumerate)))

	root = h.session.arena.mustGet(res.ref)
	assert.True(t, root.lastListing.After(firstListing))
}

func countOps(ops []uint8, op uint8) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}

func TestRemoveNonEmptyDirectory(t *testing.T) {
	h := newHarness(t)
	h.dev.MustMkdir(`C:\dir`)
	h.dev.MustPut(`C:\dir\child`, nil)

	_, err := h.do(&RemoveCmd{Path: `C:\dir`})

	assert.ErrorIs(t, err, fserrors.ErrDirectoryNotEmpty)
	// The cached directory and its child survive untouched.
	res := h.session.find(`C:\dir\child`, false)
	assert.NoError(t, res.err)
	assert.True(t, res.valid)
}

func TestLinkDropMidSession(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, []byte("12345678"))

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeUpdate}).(*OpenFile)

	h.fl.Broken = true
	_, err := h.do(&WriteCmd{File: f, Offset: 0, Data: []byte("x")})
	assert.ErrorIs(t, err, fserrors.ErrLinkBroken)

	// Every cached drive is invalid now.
	for i := range h.session.drives {
		assert.False(t, h.session.drives[i].valid)
	}

	// Subsequent ops fail LinkBroken until a new Start.
	_, err = h.do(&InfoCmd{Path: `C:\f`})
	assert.ErrorIs(t, err, fserrors.ErrLinkBroken)

	h.fl.Broken = false
	require.NoError(t, h.session.Start(context.Background(), 0))
	info := h.mustDo(&InfoCmd{Path: `C:\f`}).(unified.EntryInfo)
	assert.Equal(t, int64(8), info.Size)
}

////////////////////////////////////////////////////////////////////////
// Idempotence and round trips
////////////////////////////////////////////////////////////////////////

func TestMkdirIdempotent(t *testing.T) {
	h := newHarness(t)

	h.mustDo(&MkdirCmd{Path: `C:\d`})
	nodesAfterFirst := h.session.arena.live()
	h.mustDo(&MkdirCmd{Path: `C:\d`})

	assert.Equal(t, nodesAfterFirst, h.session.arena.live())
}

func TestMkdirOverFileFails(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	_, err := h.do(&MkdirCmd{Path: `C:\f`})

	assert.ErrorIs(t, err, fserrors.ErrAlreadyExists)
}

func TestRemoveIdempotent(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	h.mustDo(&RemoveCmd{Path: `C:\f`})
	h.mustDo(&RemoveCmd{Path: `C:\f`})

	assert.Nil(t, h.dev.Lookup(`C:\f`))
}

func TestOpenCloseLeavesCleanNode(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, []byte("data"))

	for i := 0; i < 2; i++ {
		f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeRead}).(*OpenFile)
		h.mustDo(&CloseCmd{File: f})
	}

	res := h.session.find(`C:\f`, false)
	require.NoError(t, res.err)
	n := h.session.arena.mustGet(res.ref)
	assert.True(t, n.valid)
	assert.Zero(t, n.openID)
	assert.Empty(t, h.session.openFiles)
}

func TestSetAttrVisibleAfterRefresh(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	h.mustDo(&SetAttrCmd{Path: `C:\f`, Attr: 0x19})
	info := h.mustDo(&InfoCmd{Path: `C:\f`}).(unified.EntryInfo)

	assert.Equal(t, uint8(0x19), info.Attr)
}

func TestWriteReadRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeUpdate}).(*OpenFile)
	payload := []byte("the quick brown fox")
	h.mustDo(&WriteCmd{File: f, Offset: 100, Data: payload})
	result := h.mustDo(&ReadCmd{File: f, Offset: 100, Length: len(payload)}).(ReadResult)
	h.mustDo(&CloseCmd{File: f})

	assert.Equal(t, payload, result.Data)
	assert.Equal(t, len(payload), result.Actual)
}

func TestRenameThereAndBack(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\a`, []byte("x"))

	h.mustDo(&RenameCmd{Src: `C:\a`, Dst: `C:\b`})
	h.mustDo(&RenameCmd{Src: `C:\b`, Dst: `C:\a`})

	res := h.session.find(`C:\a`, false)
	require.NoError(t, res.err)
	assert.True(t, res.valid)
	gone := h.session.find(`C:\b`, false)
	assert.ErrorIs(t, gone.err, fserrors.ErrNotFound)
}

func TestRenameToSelfIsNoop(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\a`, nil)

	h.mustDo(&RenameCmd{Src: `C:\a`, Dst: `C:\a`})
	assert.NotNil(t, h.dev.Lookup(`C:\a`))
}

func TestRenameOntoExistingFails(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\a`, nil)
	h.dev.MustPut(`C:\b`, nil)

	_, err := h.do(&RenameCmd{Src: `C:\a`, Dst: `C:\b`})
	assert.ErrorIs(t, err, fserrors.ErrAlreadyExists)
}

////////////////////////////////////////////////////////////////////////
// Boundary behaviors
////////////////////////////////////////////////////////////////////////

func TestReadPastExtentZeroPads(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, []byte("ab"))

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeRead}).(*OpenFile)
	result := h.mustDo(&ReadCmd{File: f, Offset: 10, Length: 4}).(ReadResult)
	h.mustDo(&CloseCmd{File: f})

	assert.Equal(t, []byte{0, 0, 0, 0}, result.Data)
	assert.Zero(t, result.Actual)
}

func TestSetSequentialAboveExtentReadOnly(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, []byte("ab"))

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeRead}).(*OpenFile)
	_, err := h.do(&SetSequentialCmd{File: f, Pos: 100})
	assert.ErrorIs(t, err, fserrors.ErrSeekOutsideExtent)
	h.mustDo(&CloseCmd{File: f})
}

func TestSetSequentialGrowsWritableFile(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, []byte("ab"))

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeUpdate}).(*OpenFile)
	h.mustDo(&SetSequentialCmd{File: f, Pos: 100})
	assert.Equal(t, int64(100), f.Extent())
	h.mustDo(&CloseCmd{File: f})

	assert.Len(t, h.dev.Lookup(`C:\f`).Data, 100)
}

func TestEnumerateLargeDirectoryGrowsBuffer(t *testing.T) {
	h := newHarness(t)
	h.dev.StrictWindows = true
	for i := 0; i < 150; i++ {
		h.dev.MustPut(unified.JoinPath('C', []string{fmt150(i)}), nil)
	}

	result := h.mustDo(&EnumerateCmd{Path: `C:\`}).(EnumerateResult)

	assert.Len(t, result.Entries, 150)
	assert.Equal(t, -1, result.Next)
}

func fmt150(i int) string {
	return "file" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestEnumerateNegativeOffsetMeansEnd(t *testing.T) {
	h := newHarness(t)

	result := h.mustDo(&EnumerateCmd{Path: `C:\`, Offset: -1}).(EnumerateResult)

	assert.Empty(t, result.Entries)
	assert.Equal(t, -1, result.Next)
}

////////////////////////////////////////////////////////////////////////
// Open-file edge cases
////////////////////////////////////////////////////////////////////////

func TestSecondOpenFailsObjectOpen(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeUpdate}).(*OpenFile)
	_, err := h.do(&OpenCmd{Path: `C:\f`, Mode: unified.ModeRead})
	assert.ErrorIs(t, err, fserrors.ErrObjectOpen)
	h.mustDo(&CloseCmd{File: f})
}

func TestDirectoryOpenForRead(t *testing.T) {
	h := newHarness(t)
	h.dev.MustMkdir(`C:\d`)

	f := h.mustDo(&OpenCmd{Path: `C:\d`, Mode: unified.ModeRead}).(*OpenFile)
	args := h.mustDo(&ArgsCmd{File: f}).(ArgsResult)
	assert.Equal(t, `C:\d`, args.Path)
	h.mustDo(&CloseCmd{File: f})
}

func TestRemoveOpenFileFails(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeRead}).(*OpenFile)
	_, err := h.do(&RemoveCmd{Path: `C:\f`})
	assert.ErrorIs(t, err, fserrors.ErrObjectOpen)
	h.mustDo(&CloseCmd{File: f})
}

// A stamp set on an open file's path overwrites only the deferred
// stamp; a deferred attr change rides along untouched.
func TestStampOnOpenFileLeavesDeferredAttr(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeUpdate}).(*OpenFile)
	h.mustDo(&SetAttrCmd{Path: `C:\f`, Attr: 0x13})
	h.mustDo(&SetStampCmd{Path: `C:\f`, Load: 0x1111, Exec: 0x2222})
	h.mustDo(&SetStampCmd{Path: `C:\f`, Load: 0x3333, Exec: 0x4444})

	// Nothing has reached the device yet.
	e := h.dev.Lookup(`C:\f`)
	assert.Zero(t, e.Attr)
	assert.Zero(t, e.Load)

	h.mustDo(&CloseCmd{File: f})

	e = h.dev.Lookup(`C:\f`)
	assert.Equal(t, uint8(0x13), e.Attr)
	assert.Equal(t, uint32(0x3333), e.Load)
	assert.Equal(t, uint32(0x4444), e.Exec)
}

func TestCreateRestoresKnownAllocation(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeUpdate}).(*OpenFile)
	h.mustDo(&WriteCmd{File: f, Offset: 0, Data: []byte("grow me")})
	h.mustDo(&CloseCmd{File: f})

	// Re-creating the file reserves the allocation it had before.
	f2 := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeCreate}).(*OpenFile)
	assert.Equal(t, int64(4096), f2.allocated)
	assert.Zero(t, f2.Extent())
	h.mustDo(&CloseCmd{File: f2})

	assert.Empty(t, h.dev.Lookup(`C:\f`).Data)
}

////////////////////////////////////////////////////////////////////////
// Upcalls and reconciliation
////////////////////////////////////////////////////////////////////////

func TestForeignChangesSurfaceAsUpcalls(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\keep`, nil)
	h.dev.MustPut(`C:\lose`, nil)

	h.mustDo(&EnumerateCmd{Path: `C:\`})
	h.upcalls = nil

	// Out-of-band: one file vanishes, one appears, one changes.
	h.dev.Lookup(`C:\keep`).Attr = 0x08
	h.dev.MustRemove(`C:\lose`)
	h.dev.MustPut(`C:\new`, nil)

	h.clk.AdvanceTime(11 * time.Second)
	h.session.Poll(context.Background())

	kinds := map[string]UpcallKind{}
	for _, u := range h.upcalls {
		kinds[u.Path] = u.Kind
	}
	assert.Equal(t, UpcallChanged, kinds[`C:\keep`])
	assert.Equal(t, UpcallRemoved, kinds[`C:\lose`])
	assert.Equal(t, UpcallAdded, kinds[`C:\new`])
}

func TestTypeFlipRecreatesNode(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\x`, nil)

	h.mustDo(&InfoCmd{Path: `C:\x`})
	res := h.session.find(`C:\x`, false)
	oldRef := res.ref

	// The file becomes a directory behind our back.
	h.dev.MustRemove(`C:\x`)
	h.dev.MustMkdir(`C:\x`)

	h.clk.AdvanceTime(11 * time.Second)
	h.session.Poll(context.Background())
	h.pump()

	res = h.session.find(`C:\x`, false)
	require.NoError(t, res.err)
	n := h.session.arena.mustGet(res.ref)
	assert.Equal(t, unified.KindDirectory, n.info.Kind)
	assert.NotEqual(t, oldRef, res.ref)
}

func TestRemovedNodeOrphansOpenFile(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, []byte("x"))

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeRead}).(*OpenFile)

	// The file disappears from the device; the next listing refresh
	// removes the node and kills the handle.
	h.dev.MustRemove(`C:\f`)
	h.clk.AdvanceTime(11 * time.Second)
	h.session.Poll(context.Background())

	assert.True(t, f.dead)
	_, err := h.do(&ReadCmd{File: f, Offset: 0, Length: 1})
	assert.ErrorIs(t, err, fserrors.ErrBadHandle)
	h.mustDo(&CloseCmd{File: f})
}

////////////////////////////////////////////////////////////////////////
// Queue discipline
////////////////////////////////////////////////////////////////////////

func TestEveryEnqueueGetsExactlyOneCallback(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	counts := make([]int, 0, 8)
	for i := 0; i < 8; i++ {
		counts = append(counts, 0)
		idx := i
		var cmd Command = &InfoCmd{Path: `C:\f`}
		if i%2 == 1 {
			cmd = &InfoCmd{Path: `C:\missing`}
		}
		h.session.Enqueue(cmd, func(any, error) { counts[idx]++ })
	}
	h.pump()

	for i, c := range counts {
		assert.Equal(t, 1, c, "callback %d", i)
	}
	assert.True(t, h.session.Idle())
}

func TestCallbackEnqueueIsDeferredNotRecursive(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	order := []string{}
	h.session.Enqueue(&InfoCmd{Path: `C:\f`}, func(any, error) {
		order = append(order, "first")
		h.session.Enqueue(&InfoCmd{Path: `C:\f`}, func(any, error) {
			order = append(order, "nested")
		})
		// Re-entering Poll from a callback must be a no-op.
		h.session.Poll(context.Background())
		order = append(order, "after-poll")
	})
	h.pump()

	assert.Equal(t, []string{"first", "after-poll", "nested"}, order)
}

func TestVirtualDriveListsPresentDrives(t *testing.T) {
	h := newHarness(t)
	h.dev.AddDrive('D', "Data")

	result := h.mustDo(&EnumerateCmd{Path: `@:\`}).(EnumerateResult)

	var letters []string
	for _, e := range result.Entries {
		letters = append(letters, e.Name)
	}
	assert.Equal(t, []string{"C", "D"}, letters)
}

func TestMachineFactsRefreshInBackground(t *testing.T) {
	h := newHarness(t)
	h.dev.Owner = "A. N. Owner"

	h.session.Poll(context.Background())

	facts, ok := h.session.MachineFacts()
	require.True(t, ok)
	assert.Equal(t, "fake", facts.Type)
	owner, ok := h.session.OwnerInfo()
	require.True(t, ok)
	assert.Equal(t, "A. N. Owner", owner)
	_, ok = h.session.PowerInfo()
	assert.True(t, ok)
}

func TestTimeSyncOneShot(t *testing.T) {
	h := newHarness(t)

	h.session.RequestTimeSync()
	h.session.Poll(context.Background())

	assert.True(t, h.session.TimeSyncDone())
	assert.Equal(t, uint32(1_000_000_000), h.dev.Clock.Low)

	// One-shot: no further writes on later polls.
	writes := countOps(h.dev.Ops, uint8(unified.OpWriteTime))
	h.session.Poll(context.Background())
	assert.Equal(t, writes, countOps(h.dev.Ops, uint8(unified.OpWriteTime)))
}

func TestEndNowAbortsQueuedOps(t *testing.T) {
	h := newHarness(t)

	var got error
	fired := false
	h.session.Enqueue(&InfoCmd{Path: `C:\f`}, func(_ any, err error) {
		got = err
		fired = true
	})
	h.session.End(context.Background(), true)

	require.True(t, fired)
	assert.ErrorIs(t, got, fserrors.ErrLinkClosed)
}

func TestDeferredFlushRunsAtClose(t *testing.T) {
	h := newHarness(t)
	h.dev.MustPut(`C:\f`, nil)

	f := h.mustDo(&OpenCmd{Path: `C:\f`, Mode: unified.ModeUpdate}).(*OpenFile)
	h.mustDo(&FlushCmd{File: f, AtClose: true})
	assert.Zero(t, countOps(h.dev.Ops, uint8(unified.OpFlush)))

	h.mustDo(&CloseCmd{File: f})
	assert.Equal(t, 1, countOps(h.dev.Ops, uint8(unified.OpFlush)))
}
