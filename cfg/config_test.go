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

package cfg_test

import (
	"testing"
	"time"

	"github.com/psilink/pocketfs/cfg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, args ...string) cfg.Config {
	t.Helper()
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, cfg.BindFlags(v, fs))
	require.NoError(t, fs.Parse(args))
	c, err := cfg.Unmarshal(v)
	require.NoError(t, err)
	return c
}

func TestDefaults(t *testing.T) {
	c := resolve(t)

	assert.Equal(t, 10*time.Second, c.Cache.DirTimeout)
	assert.Equal(t, 20*time.Second, c.Cache.DriveActiveTimeout)
	assert.Equal(t, time.Second, c.Cache.RefreshCooldown)
	assert.Equal(t, int64(4096), c.Cache.WriteBufferMultiple)
	assert.Equal(t, "info", c.Logging.Severity)
	require.NoError(t, c.Validate())
}

func TestFlagOverrides(t *testing.T) {
	c := resolve(t,
		"--device", "/dev/ttyS0",
		"--dir-timeout", "3s",
		"--write-buffer-multiple", "512",
	)

	assert.Equal(t, "/dev/ttyS0", c.Link.Device)
	assert.Equal(t, 3*time.Second, c.Cache.DirTimeout)
	assert.Equal(t, int64(512), c.Cache.WriteBufferMultiple)
	require.NoError(t, c.Validate())
}

func TestValidateRejectsBadBufferMultiple(t *testing.T) {
	c := resolve(t)

	c.Cache.WriteBufferMultiple = 100
	assert.Error(t, c.Validate())

	c.Cache.WriteBufferMultiple = 768
	assert.Error(t, c.Validate())

	c.Cache.WriteBufferMultiple = 256
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	c := resolve(t)
	c.Cache.DirTimeout = 0
	assert.Error(t, c.Validate())
}
