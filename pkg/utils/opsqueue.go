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


package utils

import (
	"sync"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"
)

// OpsQueue runs enqueued operations one at a time, in order, on a single goroutine.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock      sync.RWMutex
	ops       chan func()
	isStopped bool

	drained core.Fuse
}

func NewOpsQueue(logger logger.Logger, name string, size int) *OpsQueue {
	return &OpsQueue{
		logger: logger,
		name:   name,
		size:   size,
		ops:    make(chan func(), size),
	}
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

// Stop rejects further operations. Operations already queued still run; Drained fires after the last one.
// Stop may be called from inside an operation.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
}

func (oq *OpsQueue) Drained() <-chan struct{} {
	return oq.drained.Watch()
}

// Enqueue never blocks. It returns false when the queue is stopped or full.
func (oq *OpsQueue) Enqueue(op func()) bool {
	oq.lock.RLock()
	defer oq.lock.RUnlock()

	if oq.isStopped {
		return false
	}

	select {
	case oq.ops <- op:
		return true
	default:
		oq.logger.Errorw("ops queue full", nil, "name", oq.name, "size", oq.size)
		return false
	}
}

func (oq *OpsQueue) process() {
	defer oq.drained.Break()

	for op := range oq.ops {
		op()
	}
}
