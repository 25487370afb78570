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
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psilink/pocketfs/cache"
	"github.com/psilink/pocketfs/clock"
	"github.com/psilink/pocketfs/internal/logger"
	"github.com/psilink/pocketfs/link"
	"github.com/psilink/pocketfs/metrics"
	"github.com/psilink/pocketfs/unified"
	"github.com/spf13/cobra"
)

var (
	metricsAddr string
	generation  int
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the device and run the session until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnect()
	},
}

func init() {
	connectCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address.")
	connectCmd.Flags().IntVar(&generation, "generation", 0, "Force the device generation (1=SIBO, 2=ERA; 0 negotiates).")
}

// openDevice opens the configured link endpoint: a host:port dials
// TCP, anything else is treated as a character device path.
func openDevice(device string) (io.ReadWriteCloser, error) {
	if device == "" {
		return nil, fmt.Errorf("no link device configured")
	}
	if strings.Contains(device, ":") && !strings.HasPrefix(device, "/") {
		return net.Dial("tcp", device)
	}
	return os.OpenFile(device, os.O_RDWR, 0)
}

func runConnect() error {
	rw, err := openDevice(Config.Link.Device)
	if err != nil {
		return err
	}

	mh := metrics.Handle(metrics.NewNoop())
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if mh, err = metrics.NewPrometheus(reg); err != nil {
			return err
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	conn := link.NewConn(rw, Config.Link.ReadTimeout)
	client := unified.NewClient(conn, mh)
	session := cache.NewSession(client, clock.RealClock{}, Config.Cache, mh, func(u cache.Upcall) {
		logger.Debugf("upcall %v %s", u.Kind, u.Path)
	})

	ctx := context.Background()
	if err := session.Start(ctx, unified.Generation(generation)); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			logger.Infof("interrupted, draining")
			for !session.Idle() {
				session.Poll(ctx)
			}
			session.End(ctx, true)
			return conn.Close()
		case <-tick.C:
			session.Poll(ctx)
		}
	}
}
