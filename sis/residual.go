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
	"encoding/binary"
	"io"
)

// WriteResidual emits a truncated copy of the archive holding only the
// header and tables, patched with the chosen installation language,
// drive, and installed-file count. The residual records what was
// installed so a later uninstall or upgrade can reconstruct it.
func (h *Handle) WriteResidual(w io.Writer, language, drive, installedFiles uint16) error {
	size := h.tablesEnd()
	buf := make([]byte, size)
	if _, err := h.sh.r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return err
	}

	le := binary.LittleEndian
	le.PutUint16(buf[offInstallLanguage:], language)
	le.PutUint16(buf[offInstallFiles:], installedFiles)
	le.PutUint16(buf[offInstallDrive:], drive)

	// Re-seal the header CRC over the patched fields.
	withoutCRC := make([]byte, headerSize)
	copy(withoutCRC, buf[:headerSize])
	withoutCRC[offChecksum] = 0
	withoutCRC[offChecksum+1] = 0
	le.PutUint16(buf[offChecksum:], crc16(withoutCRC))

	_, err := w.Write(buf)
	return err
}

// tablesEnd computes how far the header and tables extend: everything
// before the first data run, bounded by the file size.
func (h *Handle) tablesEnd() int64 {
	end := int64(headerSize)

	// The string tables sit between the header and the first data
	// run; find the smallest data offset and keep everything below.
	min := h.sh.size
	for i := range h.Files {
		for _, off := range h.Files[i].Offsets {
			if int64(off) >= headerSize && int64(off) < min {
				min = int64(off)
			}
		}
	}
	if min > end {
		end = min
	}
	if end > h.sh.size {
		end = h.sh.size
	}
	return end
}
