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

package sis

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildArchive assembles a minimal valid installer: one language, one
// file record, a component name, and one data run.
func buildArchive(t *testing.T) []byte {
	t.Helper()
	le := binary.LittleEndian

	const (
		langTable = headerSize          // 0x44: one u16 language code
		fileTable = langTable + 2       // one record + one run pair
		compTable = fileTable + fileRecordSize + 8
		strSrc    = compTable + 8
		strDest   = strSrc + 7
		strComp   = strDest + 9
		dataRun   = strComp + 5
	)
	data := []byte("install-me")
	buf := make([]byte, dataRun+len(data))

	le.PutUint32(buf[offUID1:], 0x10001234)
	le.PutUint32(buf[offUID2:], UID2)
	le.PutUint32(buf[offUID3:], UID3)
	le.PutUint32(buf[offUID4:], uidChecksum(buf[offUID1:offUID4]))
	le.PutUint16(buf[offLanguages:], 1)
	le.PutUint16(buf[offFiles:], 1)
	le.PutUint16(buf[offRequisites:], 0)
	le.PutUint16(buf[offInstallLanguage:], 0)
	le.PutUint16(buf[offInstallFiles:], 0)
	le.PutUint16(buf[offInstallDrive:], 0)
	le.PutUint16(buf[offVersionMajor:], 1)
	le.PutUint16(buf[offVersionMinor:], 2)
	le.PutUint32(buf[offLanguagesTable:], uint32(langTable))
	le.PutUint32(buf[offFilesTable:], uint32(fileTable))
	le.PutUint32(buf[offRequisitesTable:], uint32(compTable))
	le.PutUint32(buf[offComponentTable:], uint32(compTable))

	// Language table: English.
	le.PutUint16(buf[langTable:], 1)

	// File record.
	le.PutUint32(buf[fileTable+fileRecordFlags:], 0)
	le.PutUint32(buf[fileTable+fileRecordType:], 0)
	le.PutUint32(buf[fileTable+fileRecordDetails:], 0)
	le.PutUint32(buf[fileTable+fileRecordSrcLength:], 7)
	le.PutUint32(buf[fileTable+fileRecordSrcOffset:], uint32(strSrc))
	le.PutUint32(buf[fileTable+fileRecordDestLength:], 9)
	le.PutUint32(buf[fileTable+fileRecordDestOffset:], uint32(strDest))
	// One run: length then offset.
	le.PutUint32(buf[fileTable+fileRecordSize:], uint32(len(data)))
	le.PutUint32(buf[fileTable+fileRecordSize+4:], uint32(dataRun))

	// Component name table: one length, one offset.
	le.PutUint32(buf[compTable:], 5)
	le.PutUint32(buf[compTable+4:], uint32(strComp))

	copy(buf[strSrc:], "app.exe")
	copy(buf[strDest:], `C:\a.exe!`)
	copy(buf[strComp:], "MyApp")
	copy(buf[dataRun:], data)

	// Seal the header CRC last.
	withoutCRC := make([]byte, headerSize)
	copy(withoutCRC, buf[:headerSize])
	withoutCRC[offChecksum] = 0
	withoutCRC[offChecksum+1] = 0
	le.PutUint16(buf[offChecksum:], crc16(withoutCRC))

	return buf
}

func TestOpenParsesHeaderAndTables(t *testing.T) {
	buf := buildArchive(t)

	h, err := Open(bytes.NewReader(buf), int64(len(buf)))
	require.NoError(t, err)

	assert.Equal(t, uint32(0x10001234), h.Header.UID1)
	assert.Equal(t, uint16(1), h.Header.Languages)
	assert.Equal(t, []uint16{1}, h.Langs)
	require.Len(t, h.Files, 1)
	assert.Equal(t, "app.exe", h.Files[0].Src)
	assert.Equal(t, "MyApp", h.Component)
	assert.Equal(t, uint16(1), h.Header.VersionMajor)
}

func TestReadFileData(t *testing.T) {
	buf := buildArchive(t)
	h, err := Open(bytes.NewReader(buf), int64(len(buf)))
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := h.ReadFileData(0, 0, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, "install-me", out.String())
}

func TestCorruptHeaderCRCRejected(t *testing.T) {
	buf := buildArchive(t)
	buf[offLanguages] ^= 0xff

	_, err := Open(bytes.NewReader(buf), int64(len(buf)))
	assert.ErrorIs(t, err, fserrors.ErrChecksumMismatch)
}

func TestCorruptUIDChecksumRejected(t *testing.T) {
	buf := buildArchive(t)
	binary.LittleEndian.PutUint32(buf[offUID4:], 0xdeadbeef)

	_, err := Open(bytes.NewReader(buf), int64(len(buf)))
	assert.ErrorIs(t, err, fserrors.ErrChecksumMismatch)
}

func TestWrongUIDsRejected(t *testing.T) {
	buf := buildArchive(t)
	le := binary.LittleEndian
	le.PutUint32(buf[offUID2:], 0x11111111)
	le.PutUint32(buf[offUID4:], uidChecksum(buf[offUID1:offUID4]))

	_, err := Open(bytes.NewReader(buf), int64(len(buf)))
	assert.ErrorIs(t, err, fserrors.ErrBadHeader)
}

func TestCloneRefcount(t *testing.T) {
	buf := buildArchive(t)
	h, err := Open(bytes.NewReader(buf), int64(len(buf)))
	require.NoError(t, err)

	c := h.Clone()
	assert.False(t, h.Close())
	assert.True(t, c.Close())
}

func TestResidualTruncatesAndPatches(t *testing.T) {
	buf := buildArchive(t)
	h, err := Open(bytes.NewReader(buf), int64(len(buf)))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, h.WriteResidual(&out, 1, 2, 1))

	// The residual stops before the data run.
	assert.Less(t, out.Len(), len(buf))

	// And parses as a valid installer with the patched fields.
	res, err := Open(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), res.Header.InstallLanguage)
	assert.Equal(t, uint16(2), res.Header.InstallDrive)
	assert.Equal(t, uint16(1), res.Header.InstallFiles)
	assert.Equal(t, "MyApp", res.Component)
}

func TestCRCKnownVectors(t *testing.T) {
	// CRC-16/XMODEM test vector.
	assert.Equal(t, uint16(0x31c3), crc16([]byte("123456789")))
	assert.Equal(t, uint16(0), crc16(nil))
}
