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

package cmd

import (
	"context"
	"os"

	"github.com/psilink/pocketfs/cache"
	"github.com/psilink/pocketfs/clock"
	"github.com/psilink/pocketfs/link"
	"github.com/psilink/pocketfs/unified"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect, survey the drives, and dump the cache state",
	RunE: func(cmd *cobra.Command, args []string) error {
		rw, err := openDevice(Config.Link.Device)
		if err != nil {
			return err
		}
		defer rw.Close()

		conn := link.NewConn(rw, Config.Link.ReadTimeout)
		client := unified.NewClient(conn, nil)
		session := cache.NewSession(client, clock.RealClock{}, Config.Cache, nil, nil)

		ctx := context.Background()
		if err := session.Start(ctx, 0); err != nil {
			return err
		}

		var opErr error
		done := false
		session.Enqueue(&cache.DriveInfoCmd{Drive: cache.VirtualDrive}, func(_ any, err error) {
			opErr, done = err, true
		})
		for !done {
			session.Poll(ctx)
		}
		if opErr != nil {
			return opErr
		}

		session.Status(os.Stdout)
		session.End(ctx, true)
		return nil
	},
}
