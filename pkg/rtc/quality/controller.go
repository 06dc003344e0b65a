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
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/telemetry/prometheus"
)

type Decision int

const (
	DecisionHold Decision = iota
	DecisionDowngrade
	DecisionUpgrade
)

func (d Decision) String() string {
	switch d {
	case DecisionDowngrade:
		return "DOWNGRADE"
	case DecisionUpgrade:
		return "UPGRADE"
	default:
		return "HOLD"
	}
}

// StatsSource is the part of a transport link the controller needs.
type StatsSource interface {
	ConnectionState() webrtc.PeerConnectionState
	GetStats() webrtc.StatsReport
	SetVideoBitrate(bps uint64) error
}

type ControllerParams struct {
	Config config.QualityConfig
	Source StatsSource
	Logger logger.Logger
}

// Controller keeps outbound video bitrate matched to the observed path. It derives
// everything from local statistics and never signals the remote side.
type Controller struct {
	params ControllerParams

	lock         sync.Mutex
	index        int
	smoothedLoss float64
	lossSeeded   bool
	rtt          time.Duration
	rate         float64
	hasRate      bool
	// previous samples carrying remote report and outbound counters respectively
	prevReport   *Sample
	prevOutbound *Sample

	onLevelChanged func(level config.QualityLevel)

	started atomic.Bool
	stop    core.Fuse
}

func NewController(params ControllerParams) *Controller {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if len(params.Config.Ladder) == 0 {
		params.Config = config.DefaultConfig.Quality
	}
	if params.Config.SampleInterval <= 0 {
		params.Config.SampleInterval = config.DefaultConfig.Quality.SampleInterval
	}
	return &Controller{
		params: params,
		index:  (len(params.Config.Ladder) - 1) / 2,
	}
}

func (c *Controller) OnLevelChanged(f func(level config.QualityLevel)) {
	c.lock.Lock()
	c.onLevelChanged = f
	c.lock.Unlock()
}

// Start pushes the starting rung to the source and begins periodic sampling.
func (c *Controller) Start() {
	if c.started.Swap(true) || c.stop.IsBroken() {
		return
	}

	level := c.Level()
	if err := c.params.Source.SetVideoBitrate(level.Bitrate); err != nil {
		c.params.Logger.Warnw("could not apply initial bitrate", err, "level", level.Name)
	}
	go c.worker()
}

func (c *Controller) Stop() {
	c.stop.Break()
}

func (c *Controller) IsStopped() bool {
	return c.stop.IsBroken()
}

func (c *Controller) Level() config.QualityLevel {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.params.Config.Ladder[c.index]
}

func (c *Controller) Index() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.index
}

func (c *Controller) SmoothedLoss() float64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.smoothedLoss
}

func (c *Controller) RTT() time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.rtt
}

// Rate returns the last measured outbound bitrate in bits per second.
func (c *Controller) Rate() (float64, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.rate, c.hasRate
}

func (c *Controller) worker() {
	ticker := time.NewTicker(c.params.Config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop.Watch():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Controller) sample() {
	if c.params.Source.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return
	}

	report := c.params.Source.GetStats()
	if c.stop.IsBroken() {
		// teardown raced the stats snapshot
		return
	}

	decision, level := c.Update(SampleFromReport(report, time.Now()))
	if decision == DecisionHold {
		return
	}

	if err := c.params.Source.SetVideoBitrate(level.Bitrate); err != nil {
		c.params.Logger.Warnw("could not apply bitrate", err, "level", level.Name, "bitrate", level.Bitrate)
	}
}

// Update folds one statistics sample into the controller state and applies the adaptation
// rule. It returns the decision taken and the rung in effect afterwards.
func (c *Controller) Update(s Sample) (Decision, config.QualityLevel) {
	c.lock.Lock()
	c.updateLossLocked(s)
	c.updateRateLocked(s)
	if s.RTT > 0 {
		c.rtt = s.RTT
	}

	decision := c.decideLocked()
	switch decision {
	case DecisionDowngrade:
		c.index--
	case DecisionUpgrade:
		c.index++
	}
	level := c.params.Config.Ladder[c.index]
	loss, rate := c.smoothedLoss, c.rate
	onLevelChanged := c.onLevelChanged
	c.lock.Unlock()

	if decision != DecisionHold {
		c.params.Logger.Infow("quality level changed",
			"decision", decision,
			"level", level.Name,
			"bitrate", level.Bitrate,
			"loss", loss,
			"rate", rate,
		)
		prometheus.RecordQualityChange(decision == DecisionUpgrade, level.Bitrate)
		if onLevelChanged != nil {
			onLevelChanged(level)
		}
	}
	return decision, level
}

func (c *Controller) updateLossLocked(s Sample) {
	if !s.HasRemoteReport {
		return
	}

	lost, received := s.PacketsLost, s.PacketsReceived
	if prev := c.prevReport; prev != nil && s.PacketsReceived >= prev.PacketsReceived {
		lost -= prev.PacketsLost
		received -= prev.PacketsReceived
	}
	// otherwise first report, or counters reset after an ssrc change
	sample := s
	c.prevReport = &sample

	if lost < 0 {
		lost = 0
	}
	total := float64(lost) + float64(received)
	if total == 0 {
		return
	}

	fraction := float64(lost) / total
	if !c.lossSeeded {
		c.smoothedLoss = fraction
		c.lossSeeded = true
		return
	}
	w := c.params.Config.SmoothingWeight
	c.smoothedLoss = w*c.smoothedLoss + (1-w)*fraction
}

func (c *Controller) updateRateLocked(s Sample) {
	if !s.HasOutbound {
		return
	}

	prev := c.prevOutbound
	sample := s
	c.prevOutbound = &sample
	if prev == nil {
		return
	}

	elapsed := s.At.Sub(prev.At).Seconds()
	if elapsed <= 0 || s.BytesSent < prev.BytesSent {
		return
	}
	c.rate = float64(s.BytesSent-prev.BytesSent) * 8 / elapsed
	c.hasRate = true
}

func (c *Controller) decideLocked() Decision {
	conf := c.params.Config
	current := conf.Ladder[c.index]

	// until a receiver report arrives the path is judged on rate alone
	var loss float64
	if c.lossSeeded {
		loss = c.smoothedLoss
	}

	if c.index > 0 {
		if loss > conf.DowngradeLoss || (c.hasRate && c.rate < float64(current.Bitrate)) {
			return DecisionDowngrade
		}
	}

	if c.index < len(conf.Ladder)-1 && loss < conf.UpgradeLoss && c.hasRate {
		next := conf.Ladder[c.index+1]
		if c.rate > float64(next.Bitrate)*(1+conf.UpgradeMargin) {
			return DecisionUpgrade
		}
	}

	return DecisionHold
}
