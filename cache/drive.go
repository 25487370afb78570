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
	"time"

	"github.com/psilink/pocketfs/unified"
)

// VirtualDrive is the synthesized "all drives" aggregator.
const VirtualDrive byte = '@'

// driveSlot mirrors one remote drive. The 26 slots are fixed; absent
// drives simply stay !Present once observed.
type driveSlot struct {
	letter byte

	info  unified.DriveInfo
	valid bool

	// required is a hint that someone is waiting on this slot.
	required bool

	lastErr error

	// refreshDeadline is when a valid observation goes stale.
	refreshDeadline time.Time
	lastValid       time.Time

	// root owns the drive's directory tree.
	root NodeRef
}

// driveIndex maps a letter to its slot index, or -1.
func driveIndex(letter byte) int {
	if letter >= 'a' && letter <= 'z' {
		letter -= 'a' - 'A'
	}
	if letter < 'A' || letter > 'Z' {
		return -1
	}
	return int(letter - 'A')
}
