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

package names_test

import (
	"testing"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/names"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainASCIIRoundTrips(t *testing.T) {
	remote, err := names.ToRemote("Report.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("Report.txt"), remote)
	assert.Equal(t, "Report.txt", names.FromRemote(remote))
}

func TestCodePageCharactersRoundTrip(t *testing.T) {
	remote, err := names.ToRemote("café")
	require.NoError(t, err)
	assert.Len(t, remote, 4)
	assert.Equal(t, "café", names.FromRemote(remote))
}

func TestQuotedBytesRoundTrip(t *testing.T) {
	// A control byte on the remote surfaces as a quote and feeds back
	// to the same byte.
	name := names.FromRemote([]byte{'a', 0x01, 'b'})
	assert.Equal(t, "a%01b", name)

	remote, err := names.ToRemote(name)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 0x01, 'b'}, remote)
}

func TestQuoteCharacterItselfIsQuoted(t *testing.T) {
	name := names.FromRemote([]byte("50%"))
	assert.Equal(t, "50%25", name)

	remote, err := names.ToRemote(name)
	require.NoError(t, err)
	assert.Equal(t, []byte("50%"), remote)
}

func TestMalformedQuoteRejected(t *testing.T) {
	_, err := names.ToRemote("bad%zz")
	assert.ErrorIs(t, err, fserrors.ErrBadName)

	_, err = names.ToRemote("trailing%1")
	assert.ErrorIs(t, err, fserrors.ErrBadName)
}

func TestUnrepresentableRuneRejected(t *testing.T) {
	_, err := names.ToRemote("漢字")
	assert.ErrorIs(t, err, fserrors.ErrBadName)
}

func TestEmptyLeafRejected(t *testing.T) {
	_, err := names.ToRemote("")
	assert.ErrorIs(t, err, fserrors.ErrBadName)
}
