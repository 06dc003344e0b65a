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


//go:build !windows

package prometheus

import (
	"sync"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/loadavg"
)

var lastCPU struct {
	sync.Mutex
	total uint64
	idle  uint64
}

func (s *nodeStats) sampleCPU() error {
	cpuInfo, err := cpu.Get()
	if err != nil {
		return err
	}

	lastCPU.Lock()
	defer lastCPU.Unlock()
	if lastCPU.total > 0 && cpuInfo.Total > lastCPU.total {
		s.cpuLoad = 1 - float64(cpuInfo.Idle-lastCPU.idle)/float64(cpuInfo.Total-lastCPU.total)
	}
	lastCPU.total = cpuInfo.Total
	lastCPU.idle = cpuInfo.Idle
	return nil
}

func (s *nodeStats) sampleLoad() error {
	stats, err := loadavg.Get()
	if err != nil {
		return err
	}
	s.loadAvg1m = stats.Loadavg1
	return nil
}
