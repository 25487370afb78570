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

// Op identifies one abstract command of the unified set.
type Op uint8

const (
	OpDriveInfo Op = iota
	OpDiscName
	OpEnumerate
	OpInfo
	OpMkdir
	OpRemove
	OpRmdir
	OpRename
	OpSetAttr
	OpSetStamp
	OpOpen
	OpClose
	OpSeek
	OpRead
	OpWrite
	OpWriteZeros
	OpSetSize
	OpFlush
	OpMachineInfo
	OpTaskList
	OpTaskDetail
	OpStop
	OpStart
	OpPower
	OpReadTime
	OpWriteTime
	OpOwnerInfo

	opCount
)

var opNames = [...]string{
	OpDriveInfo:   "DriveInfo",
	OpDiscName:    "DiscName",
	OpEnumerate:   "Enumerate",
	OpInfo:        "Info",
	OpMkdir:       "Mkdir",
	OpRemove:      "Remove",
	OpRmdir:       "Rmdir",
	OpRename:      "Rename",
	OpSetAttr:     "SetAttr",
	OpSetStamp:    "SetStamp",
	OpOpen:        "Open",
	OpClose:       "Close",
	OpSeek:        "Seek",
	OpRead:        "Read",
	OpWrite:       "Write",
	OpWriteZeros:  "WriteZeros",
	OpSetSize:     "SetSize",
	OpFlush:       "Flush",
	OpMachineInfo: "MachineInfo",
	OpTaskList:    "TaskList",
	OpTaskDetail:  "TaskDetail",
	OpStop:        "Stop",
	OpStart:       "Start",
	OpPower:       "Power",
	OpReadTime:    "ReadTime",
	OpWriteTime:   "WriteTime",
	OpOwnerInfo:   "OwnerInfo",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "Unknown"
}
