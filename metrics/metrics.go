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

// Package metrics counts the session's externally observable work. The
// session takes the Handle interface so tests and embedders that do
// not scrape Prometheus pay nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Handle receives one call per counted event.
type Handle interface {
	// RPCSent counts a request frame handed to the transport, labelled
	// by the unified operation name.
	RPCSent(op string)

	// RPCFailed counts a request that completed with an error.
	RPCFailed(op string)

	// Upcall counts an emitted cache change notification, labelled
	// Added, Removed or Changed.
	Upcall(kind string)

	// QueueDepth records the pending-op queue length after each
	// enqueue or completion.
	QueueDepth(n int)
}

// NewNoop returns a Handle that discards everything.
func NewNoop() Handle { return noopHandle{} }

type noopHandle struct{}

func (noopHandle) RPCSent(string)   {}
func (noopHandle) RPCFailed(string) {}
func (noopHandle) Upcall(string)    {}
func (noopHandle) QueueDepth(int)   {}

type promHandle struct {
	rpcSent   *prometheus.CounterVec
	rpcFailed *prometheus.CounterVec
	upcalls   *prometheus.CounterVec
	queue     prometheus.Gauge
}

// NewPrometheus registers the session's metrics on the supplied
// registerer and returns a Handle feeding them.
func NewPrometheus(reg prometheus.Registerer) (Handle, error) {
	h := &promHandle{
		rpcSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketfs_rpc_sent_total",
			Help: "Requests handed to the transport, by operation.",
		}, []string{"op"}),
		rpcFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketfs_rpc_failed_total",
			Help: "Requests that completed with an error, by operation.",
		}, []string{"op"}),
		upcalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketfs_upcalls_total",
			Help: "Cache change notifications emitted, by kind.",
		}, []string{"kind"}),
		queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pocketfs_pending_ops",
			Help: "Current depth of the pending-op queue.",
		}),
	}
	for _, c := range []prometheus.Collector{h.rpcSent, h.rpcFailed, h.upcalls, h.queue} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *promHandle) RPCSent(op string)   { h.rpcSent.WithLabelValues(op).Inc() }
func (h *promHandle) RPCFailed(op string) { h.rpcFailed.WithLabelValues(op).Inc() }
func (h *promHandle) Upcall(kind string)  { h.upcalls.WithLabelValues(kind).Inc() }
func (h *promHandle) QueueDepth(n int)    { h.queue.Set(float64(n)) }
