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

package unified

import (
	"fmt"
	"strings"

	"github.com/psilink/pocketfs/internal/fserrors"
	"github.com/psilink/pocketfs/names"
)

// Paths are of the form `C:\dir\leaf`. The root of a drive is `C:\`.

// SplitPath parses a path into its drive letter and components.
func SplitPath(path string) (drive byte, components []string, err error) {
	if len(path) < 3 || path[1] != ':' || path[2] != '\\' {
		return 0, nil, fmt.Errorf("%w: %q", fserrors.ErrBadName, path)
	}
	drive = path[0]
	if drive >= 'a' && drive <= 'z' {
		drive -= 'a' - 'A'
	}
	if (drive < 'A' || drive > 'Z') && drive != '@' {
		return 0, nil, fmt.Errorf("%w: %q", fserrors.ErrBadDrive, path)
	}

	rest := path[3:]
	if rest == "" {
		return drive, nil, nil
	}
	components = strings.Split(rest, `\`)
	for _, c := range components {
		if c == "" {
			return 0, nil, fmt.Errorf("%w: empty component in %q", fserrors.ErrBadName, path)
		}
	}
	return drive, components, nil
}

// JoinPath rebuilds a path from drive and components.
func JoinPath(drive byte, components []string) string {
	var sb strings.Builder
	sb.WriteByte(drive)
	sb.WriteString(`:\`)
	sb.WriteString(strings.Join(components, `\`))
	return sb.String()
}

// ParentPath splits a path into its parent directory and leaf.
// The root has no parent.
func ParentPath(path string) (parent, leaf string, err error) {
	drive, components, err := SplitPath(path)
	if err != nil {
		return "", "", err
	}
	if len(components) == 0 {
		return "", "", fmt.Errorf("%w: root has no parent", fserrors.ErrBadName)
	}
	return JoinPath(drive, components[:len(components)-1]), components[len(components)-1], nil
}

// reserved characters never valid in a leaf, either generation.
const reservedChars = `<>":|\/`

// Validate rejects, before transmission, a path whose leaf would
// transcode beyond the generation's component limit or contain
// reserved or wildcard characters. The remote is the authority for
// everything else.
func (c *Client) Validate(path string) error {
	_, components, err := SplitPath(path)
	if err != nil {
		return err
	}
	for _, comp := range components {
		if strings.ContainsAny(comp, "*?") {
			return fmt.Errorf("%w: %q", fserrors.ErrWildcardsForbidden, comp)
		}
		if strings.ContainsAny(comp, reservedChars) {
			return fmt.Errorf("%w: reserved character in %q", fserrors.ErrBadName, comp)
		}
		for _, r := range comp {
			if r < 0x20 {
				return fmt.Errorf("%w: control character in %q", fserrors.ErrBadName, comp)
			}
		}
		remote, err := names.ToRemote(comp)
		if err != nil {
			return err
		}
		if len(remote) > c.dialect.leafLimit {
			return fmt.Errorf("%w: component %q exceeds %d bytes", fserrors.ErrBadName, comp, c.dialect.leafLimit)
		}
	}
	return nil
}

// encodePath transcodes every component and rebuilds the remote form.
func encodePath(path string) ([]byte, error) {
	drive, components, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	out := []byte{drive, ':', '\\'}
	for i, comp := range components {
		remote, err := names.ToRemote(comp)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			out = append(out, '\\')
		}
		out = append(out, remote...)
	}
	return out, nil
}
