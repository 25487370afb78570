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

import "time"

// EntryKind distinguishes the two remote object types.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindDirectory
)

func (k EntryKind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// EntryInfo is everything the remote reports about one object. Load
// and Exec carry the typed-date encoding; change detection in the
// cache compares (Load, Exec, Size, Attr, Name).
type EntryInfo struct {
	Name string
	Load uint32
	Exec uint32
	Size int64
	Attr uint8
	Kind EntryKind
}

// Equal reports whether the observable fields match.
func (e EntryInfo) Equal(o EntryInfo) bool {
	return e.Name == o.Name && e.Load == o.Load && e.Exec == o.Exec &&
		e.Size == o.Size && e.Attr == o.Attr && e.Kind == o.Kind
}

// DriveInfo describes one drive slot on the device.
type DriveInfo struct {
	Present  bool
	ReadOnly bool
	Name     string
	Size     int64
	Free     int64
	ID       uint32
}

// RemoteHandle identifies an open file on the device.
type RemoteHandle uint32

// Mode is the access mode requested at Open.
type Mode uint8

const (
	ModeRead Mode = iota
	ModeUpdate
	ModeCreate
)

// WriteAllowed reports whether the mode permits mutation.
func (m Mode) WriteAllowed() bool { return m != ModeRead }

// MachineID is the device's unique identifier.
type MachineID struct {
	Low  uint32
	High uint32
}

// Version is the device's reported software version.
type Version struct {
	Major uint16
	Minor uint16
	Build uint16
}

// MachineInfo is the single-instance machine facts record.
type MachineInfo struct {
	Type     string
	Name     string
	ID       MachineID
	Language uint8
	Version  Version
}

// BatteryStatus describes one battery.
type BatteryStatus struct {
	Status uint8
	MV     uint32
	MVMax  uint32
}

// PowerInfo is the device power snapshot.
type PowerInfo struct {
	Main     BatteryStatus
	Backup   BatteryStatus
	External bool
}

// Task is one running program on the device.
type Task struct {
	Name string
}

// TaskDetail is the program and arguments behind a task name.
type TaskDetail struct {
	Program string
	Args    string
}

// StartAction selects how the device opens a program at Start.
type StartAction byte

const (
	StartDefault StartAction = 0
	StartCreate  StartAction = 'C'
	StartOpen    StartAction = 'O'
	StartRun     StartAction = 'R'
)

// RemoteTime is the device clock value: a u32 low word of seconds and
// a high word that the wire packs into a single byte.
type RemoteTime struct {
	High uint16
	Low  uint32
}

// FromTime converts a host time to the remote epoch (seconds since
// 1970, split across the low and high words).
func FromTime(t time.Time) RemoteTime {
	s := t.Unix()
	return RemoteTime{High: uint16(uint64(s) >> 32), Low: uint32(uint64(s))}
}

// Time converts back to a host time.
func (rt RemoteTime) Time() time.Time {
	return time.Unix(int64(uint64(rt.High)<<32|uint64(rt.Low)), 0)
}
