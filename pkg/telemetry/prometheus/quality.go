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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promQualityChange      *prometheus.CounterVec
	promQualityBitrate     prometheus.Histogram
	promReconnectCounter   *prometheus.CounterVec
	promHandshakeCounter   *prometheus.CounterVec
	promSessionConnectTime prometheus.Histogram
)

func initSessionStats(nodeID string) {
	promQualityChange = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "quality",
		Name:        "change",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"direction"})
	promQualityBitrate = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "quality",
		Name:        "target_bitrate",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     prometheus.ExponentialBucketsRange(100_000, 5_000_000, 10),
	})
	promReconnectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "session",
		Name:        "reconnect",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"result"})
	promHandshakeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "session",
		Name:        "handshake",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"step", "status"})
	promSessionConnectTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "session",
		Name:        "connect_time_ms",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     prometheus.ExponentialBucketsRange(100, 30000, 12),
	})

	prometheus.MustRegister(promQualityChange)
	prometheus.MustRegister(promQualityBitrate)
	prometheus.MustRegister(promReconnectCounter)
	prometheus.MustRegister(promHandshakeCounter)
	prometheus.MustRegister(promSessionConnectTime)
}

func RecordQualityChange(upgrade bool, targetBitrate uint64) {
	if promQualityChange == nil {
		return
	}
	direction := "down"
	if upgrade {
		direction = "up"
	}
	promQualityChange.WithLabelValues(direction).Inc()
	promQualityBitrate.Observe(float64(targetBitrate))
}

// RecordReconnect result is one of "attempt", "connected", "exhausted".
func RecordReconnect(result string) {
	if promReconnectCounter == nil {
		return
	}
	promReconnectCounter.WithLabelValues(result).Inc()
}

func RecordHandshake(step string, err error) {
	if promHandshakeCounter == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	promHandshakeCounter.WithLabelValues(step, status).Inc()
}

func RecordConnectTime(d time.Duration) {
	if promSessionConnectTime == nil {
		return
	}
	promSessionConnectTime.Observe(float64(d.Milliseconds()))
}
