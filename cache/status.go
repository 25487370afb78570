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
	"fmt"
	"io"
	"strings"
)

// Status dumps the cache tree and pending-op queue for diagnostics.
func (s *Session) Status(w io.Writer) {
	fmt.Fprintf(w, "session active=%v linkErr=%v nodes=%d open=%d\n",
		s.active, s.linkErr, s.arena.live(), len(s.openFiles))

	for i := range s.drives {
		slot := &s.drives[i]
		if !slot.valid && slot.root.IsNone() {
			continue
		}
		state := "invalid"
		if slot.valid {
			if slot.info.Present {
				state = "present"
			} else {
				state = "absent"
			}
		}
		fmt.Fprintf(w, "drive %c: %s name=%q size=%d free=%d\n",
			slot.letter, state, slot.info.Name, slot.info.Size, slot.info.Free)
		if slot.valid && slot.info.Present && !slot.root.IsNone() {
			s.dumpSubtree(w, slot.root, 1)
		}
	}

	fmt.Fprintf(w, "queue depth=%d\n", s.queue.Len())
	for _, op := range s.queue.Items() {
		fmt.Fprintf(w, "  pending %s\n", op.cmd.Kind())
	}
}

func (s *Session) dumpSubtree(w io.Writer, ref NodeRef, depth int) {
	n := s.arena.mustGet(ref)
	indent := strings.Repeat("  ", depth)
	if n.name != "" {
		flags := ""
		if !n.valid {
			flags += " invalid"
		}
		if n.required {
			flags += " required"
		}
		if n.openID != 0 {
			flags += " open"
		}
		fmt.Fprintf(w, "%s%s %v size=%d attr=%#02x%s\n",
			indent, n.name, n.info.Kind, n.info.Size, n.info.Attr, flags)
	}
	for _, c := range n.children {
		s.dumpSubtree(w, c, depth+1)
	}
}
