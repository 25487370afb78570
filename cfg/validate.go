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

package cfg

import "fmt"

const minWriteBufferMultiple = 256

// Validate rejects configurations the session cannot run with.
func (c *Config) Validate() error {
	if c.Cache.WriteBufferMultiple < minWriteBufferMultiple {
		return fmt.Errorf("write-buffer-multiple must be at least %d", minWriteBufferMultiple)
	}
	if c.Cache.WriteBufferMultiple&(c.Cache.WriteBufferMultiple-1) != 0 {
		return fmt.Errorf("write-buffer-multiple must be a power of two")
	}
	if c.Cache.EnumerateBufferCap < 1 {
		return fmt.Errorf("enumerate-buffer-cap must be positive")
	}
	if c.Cache.DirTimeout <= 0 || c.Cache.DriveActiveTimeout <= 0 ||
		c.Cache.DriveInactiveTimeout <= 0 || c.Cache.PowerTimeout <= 0 {
		return fmt.Errorf("cache refresh timeouts must be positive")
	}
	if c.Logging.LogRotate.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if c.Logging.LogRotate.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}
