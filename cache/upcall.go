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

import "github.com/psilink/pocketfs/unified"

// UpcallKind classifies a cache-observable change.
type UpcallKind uint8

const (
	UpcallAdded UpcallKind = iota
	UpcallRemoved
	UpcallChanged
)

func (k UpcallKind) String() string {
	switch k {
	case UpcallAdded:
		return "Added"
	case UpcallRemoved:
		return "Removed"
	case UpcallChanged:
		return "Changed"
	}
	return "Unknown"
}

// Upcall is an outbound notification that an observation from the
// remote changed the cache. Upcalls are emitted in observation order.
type Upcall struct {
	Kind UpcallKind

	// Path is the canonical internal path (drive-letter qualified).
	Path string

	// ExternalPath is the disc-name-qualified form, when the drive's
	// name is known; otherwise it equals Path.
	ExternalPath string

	// Info is the entry after the change (zero for Removed).
	Info unified.EntryInfo
}

// UpcallFunc receives upcalls. It must not re-enter the session's
// queue on the same stack frame; enqueues made from an upcall are
// deferred until the current poll step returns.
type UpcallFunc func(Upcall)

// emitUpcall builds both path forms and delivers the notification.
func (s *Session) emitUpcall(kind UpcallKind, n *node, info unified.EntryInfo) {
	if s.upcall == nil {
		return
	}
	path := s.nodePath(n)
	up := Upcall{Kind: kind, Path: path, ExternalPath: s.externalPath(path), Info: info}
	s.mh.Upcall(kind.String())
	s.upcall(up)
}

// externalPath substitutes the drive's disc name for its letter when
// known: `C:\a` becomes `:Work\a` style naming on the original; here
// the disc name is carried in angle-free form `name:\a`.
func (s *Session) externalPath(path string) string {
	if len(path) < 2 || path[1] != ':' {
		return path
	}
	idx := driveIndex(path[0])
	if idx < 0 {
		return path
	}
	slot := &s.drives[idx]
	if !slot.valid || slot.info.Name == "" {
		return path
	}
	return slot.info.Name + path[1:]
}
