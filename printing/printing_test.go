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

package printing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpool(t *testing.T) *Spool {
	sp, err := NewSpool(filepath.Join(t.TempDir(), "spool"))
	require.NoError(t, err)
	return sp
}

func TestJobLifecycle(t *testing.T) {
	sp := newSpool(t)

	j, err := sp.Start()
	require.NoError(t, err)
	assert.Equal(t, StatusStart, j.Status)

	require.NoError(t, sp.Receive(j, []byte("page one data")))
	assert.Equal(t, StatusReceiving, j.Status)
	require.NoError(t, sp.EndPage(j))
	require.NoError(t, sp.Receive(j, []byte("page two")))
	require.NoError(t, sp.Complete(j))

	assert.Equal(t, StatusComplete, j.Status)
	require.Len(t, j.Pages, 2)
	assert.Equal(t, int64(13), j.Pages[0].Size)

	data, err := os.ReadFile(j.Pages[1].Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("page two"), data)
}

func TestSingleReceivingJob(t *testing.T) {
	sp := newSpool(t)

	j, err := sp.Start()
	require.NoError(t, err)
	_, err = sp.Start()
	assert.Error(t, err)

	require.NoError(t, sp.Complete(j))
	_, err = sp.Start()
	assert.NoError(t, err)
}

func TestCancelUnwindsFromAnyState(t *testing.T) {
	sp := newSpool(t)

	j, err := sp.Start()
	require.NoError(t, err)
	require.NoError(t, sp.Receive(j, []byte("partial")))
	page := j.current.Name()

	sp.Cancel(j)

	assert.Equal(t, StatusCancelled, j.Status)
	assert.Empty(t, j.Pages)
	_, statErr := os.Stat(page)
	assert.True(t, os.IsNotExist(statErr))

	// Receiving after cancel is rejected.
	assert.Error(t, sp.Receive(j, []byte("more")))

	// And a new job can start.
	_, err = sp.Start()
	assert.NoError(t, err)
}

func TestRemoveDeletesPageFiles(t *testing.T) {
	sp := newSpool(t)

	j, err := sp.Start()
	require.NoError(t, err)
	require.NoError(t, sp.Receive(j, []byte("x")))
	require.NoError(t, sp.Complete(j))
	page := j.Pages[0].Path

	sp.Remove(j)

	assert.Empty(t, sp.Jobs())
	_, statErr := os.Stat(page)
	assert.True(t, os.IsNotExist(statErr))
}
