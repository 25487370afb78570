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
	"fmt"
	"io"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/unified"
)

// Do runs one command to completion by pumping Poll, for foreground
// callers (the backup and install engines, the status dump). It must
// not be called from inside a session callback.
func (s *Session) Do(ctx context.Context, cmd Command) (any, error) {
	if s.driving {
		panic("cache: Do called from a session callback")
	}
	var result any
	var opErr error
	done := false
	s.Enqueue(cmd, func(r any, err error) {
		result, opErr, done = r, err, true
	})
	for !done {
		s.Poll(ctx)
		if !done && s.Idle() {
			return nil, fmt.Errorf("%w: op vanished from queue", fserrors.ErrBadHandle)
		}
	}
	return result, opErr
}

// FileIO adapts an open cache file to io.ReadWriteSeeker so the tar
// and installer engines stream device files through the same cache
// and handle discipline as every other access.
type FileIO struct {
	ctx  context.Context
	s    *Session
	file *OpenFile
	pos  int64
}

// NewFileIO opens path for the given mode and wraps it.
func NewFileIO(ctx context.Context, s *Session, path string, mode unified.Mode) (*FileIO, error) {
	result, err := s.Do(ctx, &OpenCmd{Path: path, Mode: mode})
	if err != nil {
		return nil, err
	}
	return &FileIO{ctx: ctx, s: s, file: result.(*OpenFile)}, nil
}

// Size reports the file's current extent.
func (f *FileIO) Size() int64 { return f.file.Extent() }

func (f *FileIO) Read(b []byte) (int, error) {
	if f.pos >= f.file.Extent() {
		return 0, io.EOF
	}
	result, err := f.s.Do(f.ctx, &ReadCmd{File: f.file, Offset: f.pos, Length: len(b)})
	if err != nil {
		return 0, err
	}
	r := result.(ReadResult)
	copy(b, r.Data)
	f.pos += int64(r.Actual)
	if r.Actual == 0 {
		return 0, io.EOF
	}
	return r.Actual, nil
}

// ReadAt serves the installer's random-access reads.
func (f *FileIO) ReadAt(b []byte, off int64) (int, error) {
	result, err := f.s.Do(f.ctx, &ReadCmd{File: f.file, Offset: off, Length: len(b)})
	if err != nil {
		return 0, err
	}
	r := result.(ReadResult)
	copy(b, r.Data)
	if r.Actual < len(b) {
		return r.Actual, io.EOF
	}
	return r.Actual, nil
}

func (f *FileIO) Write(b []byte) (int, error) {
	_, err := f.s.Do(f.ctx, &WriteCmd{File: f.file, Offset: f.pos, Data: b})
	if err != nil {
		return 0, err
	}
	f.pos += int64(len(b))
	return len(b), nil
}

func (f *FileIO) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = f.file.Extent() + offset
	default:
		return 0, fserrors.ErrBadParams
	}
	if f.pos < 0 {
		f.pos = 0
		return 0, fserrors.ErrSeekOutsideExtent
	}
	return f.pos, nil
}

// Close closes the underlying cache file.
func (f *FileIO) Close() error {
	_, err := f.s.Do(f.ctx, &CloseCmd{File: f.file})
	return err
}
