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


package testutils

import (
	"context"
	"testing"
	"time"
)

var (
	ConnectTimeout = 10 * time.Second
)

// WithTimeout polls f until it returns an empty string. The test fails with the last
// non-empty result once ConnectTimeout has passed.
func WithTimeout(t *testing.T, f func() string) {
	t.Helper()
	WithTimeoutDuration(t, ConnectTimeout, f)
}

func WithTimeoutDuration(t *testing.T, timeout time.Duration, f func() string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lastErr := f()
	for lastErr != "" {
		select {
		case <-ctx.Done():
			t.Fatalf("did not reach expected state after %v: %s", timeout, lastErr)
			return
		case <-time.After(10 * time.Millisecond):
			lastErr = f()
		}
	}
}
