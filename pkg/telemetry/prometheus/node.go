// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"runtime"

	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	meshroomNamespace string = "meshroom"
)

var (
	initialized atomic.Bool

	MessageCounter *prometheus.CounterVec

	promMemoryLoadGauge prometheus.Gauge
	promCPULoadGauge    prometheus.Gauge
	promLoadAvgGauge    prometheus.Gauge
	promNumCPUsGauge    prometheus.Gauge
)

// Init registers all collectors. Safe to call more than once; only the first call has an effect.
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	MessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   meshroomNamespace,
			Subsystem:   "node",
			Name:        "messages",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status"},
	)

	promMemoryLoadGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   meshroomNamespace,
			Subsystem:   "node",
			Name:        "memory_load",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "Fraction of system memory in use.",
		},
	)

	promCPULoadGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   meshroomNamespace,
			Subsystem:   "node",
			Name:        "cpu_load",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
	)
	promLoadAvgGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   meshroomNamespace,
			Subsystem:   "node",
			Name:        "load_avg_1m",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
	)
	promNumCPUsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   meshroomNamespace,
			Subsystem:   "node",
			Name:        "num_cpus",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
	)

	prometheus.MustRegister(MessageCounter)
	prometheus.MustRegister(promMemoryLoadGauge)
	prometheus.MustRegister(promCPULoadGauge)
	prometheus.MustRegister(promLoadAvgGauge)
	prometheus.MustRegister(promNumCPUsGauge)

	initRoomStats(nodeID)
	initSessionStats(nodeID)
}

type nodeStats struct {
	memoryLoad float64
	cpuLoad    float64
	numCPUs    int
	loadAvg1m  float64
}

// UpdateNodeStats refreshes system level gauges. CPU load is measured against the previous call.
func UpdateNodeStats() error {
	if !initialized.Load() {
		return nil
	}

	stats := nodeStats{numCPUs: runtime.NumCPU()}
	for _, sample := range []func() error{stats.sampleMemory, stats.sampleCPU, stats.sampleLoad} {
		if err := sample(); err != nil {
			return err
		}
	}

	promMemoryLoadGauge.Set(stats.memoryLoad)
	promCPULoadGauge.Set(stats.cpuLoad)
	promNumCPUsGauge.Set(float64(stats.numCPUs))
	promLoadAvgGauge.Set(stats.loadAvg1m)
	return nil
}

func (s *nodeStats) sampleMemory() error {
	memInfo, err := memory.Get()
	if err != nil {
		return err
	}
	if memInfo.Total != 0 {
		s.memoryLoad = float64(memInfo.Used) / float64(memInfo.Total)
	}
	return nil
}

func RecordMessage(kind string, status string) {
	if MessageCounter == nil {
		return
	}
	MessageCounter.WithLabelValues(kind, status).Inc()
}
