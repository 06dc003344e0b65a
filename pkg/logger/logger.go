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

package serverlogger

import (
	"strings"
	"sync"

	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"
)

const pionComponent = "pion"

var (
	// pion/webrtc, pion/turn
	defaultFactory     logging.LoggerFactory
	defaultFactoryLock sync.Mutex
)

// LoggerFactory routes pion's scoped loggers through a protocol logger. Scopes are
// matched against component levels as "pion.<scope>", falling back to "pion" and
// then to the default level.
type LoggerFactory struct {
	logger          logger.Logger
	level           zapcore.Level
	componentLevels map[string]zapcore.Level
}

func NewLoggerFactory(l logger.Logger, level string, componentLevels map[string]string) *LoggerFactory {
	if l == nil {
		return nil
	}
	f := &LoggerFactory{
		logger:          l,
		level:           ParseLevel(level, zapcore.InfoLevel),
		componentLevels: make(map[string]zapcore.Level, len(componentLevels)),
	}
	for component, lvl := range componentLevels {
		f.componentLevels[component] = ParseLevel(lvl, f.level)
	}
	return f
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{
		logger: f.logger.WithName(scope),
		level:  f.levelFor(scope),
	}
}

func (f *LoggerFactory) levelFor(scope string) zapcore.Level {
	if lvl, ok := f.componentLevels[pionComponent+"."+strings.ToLower(scope)]; ok {
		return lvl
	}
	if lvl, ok := f.componentLevels[pionComponent]; ok {
		return lvl
	}
	return f.level
}

// valid levels: debug, info, warn, error, fatal, panic
func ParseLevel(level string, fallback zapcore.Level) zapcore.Level {
	if level == "" {
		return fallback
	}
	lvl := zapcore.Level(0)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fallback
	}
	return lvl
}

func DefaultLoggerFactory() logging.LoggerFactory {
	defaultFactoryLock.Lock()
	defer defaultFactoryLock.Unlock()

	if defaultFactory == nil {
		defaultFactory = logging.NewDefaultLoggerFactory()
	}
	return defaultFactory
}

func SetDefaultLoggerFactory(lf logging.LoggerFactory) {
	defaultFactoryLock.Lock()
	defaultFactory = lf
	defaultFactoryLock.Unlock()
}
