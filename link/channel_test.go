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
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn is a scripted byte stream: writes accumulate, reads drain
// the preloaded reply bytes.
type pipeConn struct {
	wrote  bytes.Buffer
	toRead bytes.Buffer
	closed bool
}

func (p *pipeConn) Read(b []byte) (int, error) {
	if p.toRead.Len() == 0 {
		return 0, io.EOF
	}
	return p.toRead.Read(b)
}

func (p *pipeConn) Write(b []byte) (int, error) { return p.wrote.Write(b) }
func (p *pipeConn) Close() error                { p.closed = true; return nil }

// preload frames a reply payload (status + body) for the conn to read.
func (p *pipeConn) preload(status uint16, body []byte) {
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(body)+2))
	p.toRead.Write(hdr[:])
	var st [2]byte
	binary.LittleEndian.PutUint16(st[:], status)
	p.toRead.Write(st[:])
	p.toRead.Write(body)
}

func TestConnRoundTrip(t *testing.T) {
	p := &pipeConn{}
	p.preload(0, []byte("pong"))
	c := NewConn(p, 0)

	reply, err := c.Send(context.Background(), Frame("ping"))
	require.NoError(t, err)
	assert.Equal(t, Frame("pong"), reply)

	// The request went out length-prefixed.
	assert.Equal(t, []byte{4, 0, 'p', 'i', 'n', 'g'}, p.wrote.Bytes())
}

func TestConnRemoteStatusBecomesRemoteError(t *testing.T) {
	p := &pipeConn{}
	p.preload(fserrors.RemoteCodeNotFound, nil)
	c := NewConn(p, 0)

	_, err := c.Send(context.Background(), Frame{0x01})
	assert.ErrorIs(t, err, fserrors.ErrNotFound)

	var re *fserrors.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, fserrors.RemoteCodeNotFound, re.Code)
}

func TestConnIOErrorPoisonsLink(t *testing.T) {
	p := &pipeConn{}
	c := NewConn(p, 0)

	_, err := c.Send(context.Background(), Frame{0x01})
	assert.ErrorIs(t, err, fserrors.ErrLinkBroken)

	// Every further send fails without touching the stream.
	wrote := p.wrote.Len()
	_, err = c.Send(context.Background(), Frame{0x02})
	assert.ErrorIs(t, err, fserrors.ErrLinkBroken)
	assert.Equal(t, wrote, p.wrote.Len())
}

func TestFakeLinkRecordsRequests(t *testing.T) {
	fl := &FakeLink{Handler: func(req Frame) (Frame, error) {
		return Frame{req[0] + 1}, nil
	}}

	reply, err := fl.Send(context.Background(), Frame{7})
	require.NoError(t, err)
	assert.Equal(t, Frame{8}, reply)
	assert.Len(t, fl.Requests, 1)

	require.NoError(t, fl.Close())
	_, err = fl.Send(context.Background(), Frame{1})
	assert.ErrorIs(t, err, fserrors.ErrLinkClosed)
}
