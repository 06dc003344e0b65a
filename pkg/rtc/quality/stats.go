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


package quality

import (
	"time"

	"github.com/pion/webrtc/v3"
)

// Sample is the subset of a transport statistics snapshot the controller acts on.
type Sample struct {
	At time.Time

	// outbound video
	HasOutbound bool
	BytesSent   uint64

	// as reported by the remote receiver, cumulative
	HasRemoteReport bool
	PacketsLost     int64
	PacketsReceived uint64

	RTT time.Duration
}

// SampleFromReport extracts a Sample from a pion statistics report. Counters of multiple
// outbound video streams are summed.
func SampleFromReport(report webrtc.StatsReport, now time.Time) Sample {
	s := Sample{At: now}
	var latest time.Time
	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.OutboundRTPStreamStats:
			if st.Kind != webrtc.RTPCodecTypeVideo.String() {
				continue
			}
			s.HasOutbound = true
			s.BytesSent += st.BytesSent
			if ts := st.Timestamp.Time(); ts.After(latest) {
				latest = ts
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if st.Kind != webrtc.RTPCodecTypeVideo.String() {
				continue
			}
			s.HasRemoteReport = true
			s.PacketsLost += int64(st.PacketsLost)
			s.PacketsReceived += uint64(st.PacketsReceived)
			if st.RoundTripTime > 0 && s.RTT == 0 {
				s.RTT = secondsToDuration(st.RoundTripTime)
			}
		case webrtc.ICECandidatePairStats:
			if st.State != webrtc.StatsICECandidatePairStateSucceeded || !st.Nominated {
				continue
			}
			if st.CurrentRoundTripTime > 0 {
				// candidate pair RTT is preferred over the RTCP derived one
				s.RTT = secondsToDuration(st.CurrentRoundTripTime)
			}
		}
	}
	if !latest.IsZero() {
		s.At = latest
	}
	return s
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
