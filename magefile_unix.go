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


//go:build mage && !windows
// +build mage,!windows

package main

import (
	"syscall"
)

const maxOpenFiles = 10000

// every peer link holds sockets; the loopback tests open many at once
func setULimit() error {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	if rLimit.Cur >= maxOpenFiles {
		return nil
	}
	rLimit.Cur = maxOpenFiles
	if rLimit.Max < maxOpenFiles {
		rLimit.Max = maxOpenFiles
	}
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
}
