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
	"go.uber.org/atomic"
)

const (
	RelayStatusForwarded = "forwarded"
	RelayStatusNoTarget  = "no_target"
	RelayStatusOverflow  = "overflow"
	RelayStatusRejected  = "rejected"
)

var (
	roomCurrent        atomic.Int32
	participantCurrent atomic.Int32
	joinedCurrent      atomic.Int32

	promRoomCurrent        prometheus.Gauge
	promRoomDuration       prometheus.Histogram
	promParticipantCurrent prometheus.Gauge
	promJoinedCurrent      prometheus.Gauge
	promRelayCounter       *prometheus.CounterVec
)

func initRoomStats(nodeID string) {
	promRoomCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "room",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promRoomDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "room",
		Name:        "duration_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60, 5 * 60 * 60, 10 * 60 * 60,
		},
	})
	promParticipantCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "participant",
		Name:        "connected",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promJoinedCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "participant",
		Name:        "joined",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promRelayCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   meshroomNamespace,
		Subsystem:   "relay",
		Name:        "messages",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"kind", "status"})

	prometheus.MustRegister(promRoomCurrent)
	prometheus.MustRegister(promRoomDuration)
	prometheus.MustRegister(promParticipantCurrent)
	prometheus.MustRegister(promJoinedCurrent)
	prometheus.MustRegister(promRelayCounter)
}

func RoomStarted() {
	roomCurrent.Inc()
	if promRoomCurrent != nil {
		promRoomCurrent.Add(1)
	}
}

func RoomEnded(startedAt time.Time) {
	roomCurrent.Dec()
	if promRoomCurrent == nil {
		return
	}
	if !startedAt.IsZero() {
		promRoomDuration.Observe(float64(time.Since(startedAt)) / float64(time.Second))
	}
	promRoomCurrent.Sub(1)
}

func AddParticipant() {
	participantCurrent.Inc()
	if promParticipantCurrent != nil {
		promParticipantCurrent.Add(1)
	}
}

func SubParticipant() {
	participantCurrent.Dec()
	if promParticipantCurrent != nil {
		promParticipantCurrent.Sub(1)
	}
}

func AddJoined() {
	joinedCurrent.Inc()
	if promJoinedCurrent != nil {
		promJoinedCurrent.Add(1)
	}
}

func SubJoined() {
	joinedCurrent.Dec()
	if promJoinedCurrent != nil {
		promJoinedCurrent.Sub(1)
	}
}

func RecordRelay(kind string, status string) {
	if promRelayCounter == nil {
		return
	}
	promRelayCounter.WithLabelValues(kind, status).Inc()
}

func CurrentRooms() int32 {
	return roomCurrent.Load()
}

func CurrentParticipants() int32 {
	return participantCurrent.Load()
}
