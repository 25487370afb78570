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

// Package link frames requests and replies over the single
// request/response connection to the remote device. A channel carries
// at most one outstanding request; replies therefore arrive in request
// order trivially.
package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/internal/logger"
)

// Channel sends one framed request and returns the reply payload with
// the device status already checked: a non-zero status byte pair has
// been turned into a RemoteError before the caller sees the frame.
type Channel interface {
	// Send transmits the request and blocks for the reply.
	//
	// At most one Send may be outstanding; the cache's single-task
	// discipline guarantees this rather than a lock here.
	Send(ctx context.Context, req Frame) (Frame, error)

	// Close tears the link down. Subsequent Sends fail with a fatal link
	// error: LinkBroken on a Conn, LinkClosed on a FakeLink.
	Close() error
}

// deadliner is the optional side of an io.ReadWriteCloser that can
// bound reads, e.g. a net.Conn or a serial port wrapper.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Conn implements Channel over a byte stream. Each frame on the wire
// is a u16-LE payload length, the payload, and (for replies) a leading
// u16-LE status inside the payload.
type Conn struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	rw io.ReadWriteCloser

	/////////////////////////
	// Constant data
	/////////////////////////

	readTimeout time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Set when an I/O error has poisoned the link. Once set, every
	// Send fails LinkBroken until the session reconnects.
	broken bool

	// INVARIANT: !inFlight outside of Send
	inFlight bool
}

// NewConn wraps an open byte stream. readTimeout bounds the wait for
// each reply; zero means wait forever.
func NewConn(rw io.ReadWriteCloser, readTimeout time.Duration) *Conn {
	return &Conn{rw: rw, readTimeout: readTimeout}
}

func (c *Conn) Send(ctx context.Context, req Frame) (reply Frame, err error) {
	if err := ctx.Err(); err != nil {
		return nil, fserrors.ErrLinkClosed
	}
	if c.broken {
		return nil, fserrors.ErrLinkBroken
	}
	if c.inFlight {
		panic("link: concurrent Send on a single-outstanding channel")
	}
	c.inFlight = true
	defer func() { c.inFlight = false }()

	if err = c.writeFrame(req); err != nil {
		c.broken = true
		return nil, fmt.Errorf("%w: %v", fserrors.ErrLinkBroken, err)
	}

	payload, err := c.readFrame()
	if err != nil {
		if isTimeout(err) {
			// The outstanding request is cancelled; the link itself
			// may still recover.
			logger.Warnf("link: reply timed out")
			return nil, fserrors.ErrTimeout
		}
		c.broken = true
		return nil, fmt.Errorf("%w: %v", fserrors.ErrLinkBroken, err)
	}

	d := NewDecoder(payload)
	status := d.U16()
	if err := d.Err(); err != nil {
		c.broken = true
		return nil, fmt.Errorf("%w: reply too short", fserrors.ErrLinkBroken)
	}
	if status != fserrors.RemoteCodeOK {
		return nil, fserrors.NewRemoteError(status)
	}

	return Frame(d.Rest()), nil
}

func (c *Conn) Close() error {
	c.broken = true
	return c.rw.Close()
}

func (c *Conn) writeFrame(f Frame) error {
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(f)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.rw.Write(f)
	return err
}

func (c *Conn) readFrame() (Frame, error) {
	if d, ok := c.rw.(deadliner); ok && c.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	var hdr [2]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, err
	}
	return Frame(payload), nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
