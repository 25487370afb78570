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

// Package names converts between host-side file names and the byte
// sequences the remote device stores. The remote uses code page 850.
// Remote bytes with no plain host form (control characters and the
// quote character) are carried as %xx quotes, which ToRemote resolves
// back, so remote names round-trip. A host character with no code page
// 850 representation is rejected with BadName, not quoted.
package names

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/psilink/pocketfs/internal/fserrors"
	"golang.org/x/text/encoding/charmap"
)

const quote = '%'

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// ToRemote converts a host-side leaf name to the remote's encoding.
// %xx quotes are resolved to the raw byte they name; everything else
// is transcoded to code page 850. A rune with no code page 850
// representation, or a malformed quote, yields BadName.
func ToRemote(name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty leaf", fserrors.ErrBadName)
	}

	out := make([]byte, 0, len(name))
	enc := charmap.CodePage850
	for i := 0; i < len(name); {
		if name[i] == quote {
			if i+2 >= len(name) || !isHex(name[i+1]) || !isHex(name[i+2]) {
				return nil, fmt.Errorf("%w: malformed quote in %q", fserrors.ErrBadName, name)
			}
			out = append(out, hexVal(name[i+1])<<4|hexVal(name[i+2]))
			i += 3
			continue
		}

		r, size := utf8.DecodeRuneInString(name[i:])
		b, ok := enc.EncodeRune(r)
		if !ok {
			return nil, fmt.Errorf("%w: unrepresentable character %q in %q", fserrors.ErrBadName, r, name)
		}
		out = append(out, b)
		i += size
	}

	return out, nil
}

// FromRemote converts a remote leaf to its host-side name. Bytes that
// would collide with the quote character, or that decode to control
// characters, are quoted as %xx.
func FromRemote(b []byte) string {
	var sb strings.Builder
	dec := charmap.CodePage850
	for _, c := range b {
		r := dec.DecodeByte(c)
		if c == quote || r < 0x20 || r == 0x7f {
			fmt.Fprintf(&sb, "%%%02x", c)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
