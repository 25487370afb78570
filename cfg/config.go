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

// Package cfg holds the user-facing configuration: link settings,
// cache refresh timing, and logging. It is populated from flags and an
// optional config file via viper, then validated.
package cfg

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Link    LinkConfig    `mapstructure:"link"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type LinkConfig struct {
	// Device is the serial device or address of the remote link.
	Device string `mapstructure:"device"`

	// ReadTimeout bounds the wait for a reply frame.
	ReadTimeout time.Duration `mapstructure:"read-timeout"`

	// BaudRate is recorded for diagnostics; the link itself is handed
	// to the session already opened.
	BaudRate int `mapstructure:"baud-rate"`
}

type CacheConfig struct {
	// Refresh timeouts: how long a valid observation is trusted.
	DriveActiveTimeout   time.Duration `mapstructure:"drive-active-timeout"`
	DriveInactiveTimeout time.Duration `mapstructure:"drive-inactive-timeout"`
	DirTimeout           time.Duration `mapstructure:"dir-timeout"`
	PowerTimeout         time.Duration `mapstructure:"power-timeout"`

	// Busy throttles: suppress background classes while the client
	// queue has recently been non-empty.
	RefreshCooldown time.Duration `mapstructure:"refresh-cooldown"`
	InvalidCooldown time.Duration `mapstructure:"invalid-cooldown"`

	// Step throttles: minimum spacing between consecutive refresher
	// RPCs while the host reports itself idle.
	ForeCooldown time.Duration `mapstructure:"fore-cooldown"`
	BackCooldown time.Duration `mapstructure:"back-cooldown"`

	// WriteBufferMultiple is the allocation rounding unit for writes
	// that grow a file. Must be a power of two >= 256.
	WriteBufferMultiple int64 `mapstructure:"write-buffer-multiple"`

	// EnumerateBufferCap bounds the doubling of the enumerate reply
	// buffer.
	EnumerateBufferCap int `mapstructure:"enumerate-buffer-cap"`
}

type LoggingConfig struct {
	Severity  string                 `mapstructure:"severity"`
	Format    string                 `mapstructure:"format"`
	FilePath  string                 `mapstructure:"file-path"`
	LogRotate LogRotateLoggingConfig `mapstructure:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int `mapstructure:"max-file-size-mb"`
	BackupFileCount int `mapstructure:"backup-file-count"`
}

// BindFlags declares the link, cache, and logging settings as flags on
// the supplied flag set and binds them into v so that flag, config
// file, and default all resolve through the same keys. The log-rotate
// settings are not flags; they only get defaults.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("device", "", "Serial device or address of the remote link.")
	fs.Duration("read-timeout", 10*time.Second, "Time to wait for a reply frame.")
	fs.Int("baud-rate", 115200, "Link baud rate (diagnostic only).")

	fs.Duration("drive-active-timeout", 20*time.Second, "Refresh period for the active drive.")
	fs.Duration("drive-inactive-timeout", 60*time.Second, "Refresh period for inactive drives.")
	fs.Duration("dir-timeout", 10*time.Second, "Refresh period for directory listings.")
	fs.Duration("power-timeout", 30*time.Second, "Refresh period for power status.")
	fs.Duration("refresh-cooldown", time.Second, "Suppress refresh-class updates this long after client activity.")
	fs.Duration("invalid-cooldown", 100*time.Millisecond, "Suppress invalid-class updates this long after client activity.")
	fs.Duration("fore-cooldown", 150*time.Millisecond, "Minimum spacing of required-class refresher RPCs.")
	fs.Duration("back-cooldown", 500*time.Millisecond, "Minimum spacing of background refresher RPCs.")
	fs.Int64("write-buffer-multiple", 4096, "Allocation rounding unit for growing writes.")
	fs.Int("enumerate-buffer-cap", 4096, "Maximum entries per enumerate reply buffer.")

	fs.String("log-severity", "info", "Log severity: trace, debug, info, warning, error, off.")
	fs.String("log-format", "text", "Log format: text or json.")
	fs.String("log-file-path", "", "Write logs to this rotating file instead of stderr.")

	keys := map[string]string{
		"link.device":                  "device",
		"link.read-timeout":            "read-timeout",
		"link.baud-rate":               "baud-rate",
		"cache.drive-active-timeout":   "drive-active-timeout",
		"cache.drive-inactive-timeout": "drive-inactive-timeout",
		"cache.dir-timeout":            "dir-timeout",
		"cache.power-timeout":          "power-timeout",
		"cache.refresh-cooldown":       "refresh-cooldown",
		"cache.invalid-cooldown":       "invalid-cooldown",
		"cache.fore-cooldown":          "fore-cooldown",
		"cache.back-cooldown":          "back-cooldown",
		"cache.write-buffer-multiple":  "write-buffer-multiple",
		"cache.enumerate-buffer-cap":   "enumerate-buffer-cap",
		"logging.severity":             "log-severity",
		"logging.format":               "log-format",
		"logging.file-path":            "log-file-path",
	}
	for key, flag := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return err
		}
	}
	v.SetDefault("logging.log-rotate.max-file-size-mb", 512)
	v.SetDefault("logging.log-rotate.backup-file-count", 10)
	return nil
}

// Unmarshal decodes the resolved viper state into a Config.
func Unmarshal(v *viper.Viper) (c Config, err error) {
	err = v.Unmarshal(&c, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			dc.DecodeHook,
		)
	})
	return
}
