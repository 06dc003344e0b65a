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

package service

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/signalling"
)

// WSSignalConnection is the service side of a participant's signaling channel: JSON text
// frames carrying signalling.Message envelopes, kept alive with pings.
type WSSignalConnection struct {
	conn   *websocket.Conn
	conf   config.SignalConfig
	logger logger.Logger

	mu     sync.Mutex
	closed core.Fuse
}

func NewWSSignalConnection(conn *websocket.Conn, conf config.SignalConfig, l logger.Logger) *WSSignalConnection {
	if l == nil {
		l = logger.GetLogger()
	}
	wsc := &WSSignalConnection{
		conn:   conn,
		conf:   conf,
		logger: l,
	}

	conn.SetReadLimit(conf.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(conf.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(conf.PongWait))
	})

	go wsc.pingWorker()
	return wsc
}

func (c *WSSignalConnection) Close() error {
	if c.closed.IsBroken() {
		return nil
	}
	c.closed.Break()
	return c.conn.Close()
}

// ReadMessage returns the next envelope. A frame that cannot be decoded is reported with
// a nil message and a decode error; the connection stays usable.
func (c *WSSignalConnection) ReadMessage() (*signalling.Message, int, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, 0, err
		}
		// any traffic counts as liveness
		_ = c.conn.SetReadDeadline(time.Now().Add(c.conf.PongWait))

		switch messageType {
		case websocket.TextMessage:
			msg, err := signalling.Unmarshal(payload)
			if err != nil {
				return nil, len(payload), &DecodeError{Err: err}
			}
			return msg, len(payload), nil
		default:
			c.logger.Debugw("unsupported message", "message", messageType)
		}
	}
}

func (c *WSSignalConnection) WriteMessage(msg *signalling.Message) (int, error) {
	payload, err := signalling.Marshal(msg)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
	return len(payload), c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSSignalConnection) pingWorker() {
	ticker := time.NewTicker(c.conf.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(c.conf.WriteWait))
			if err != nil {
				return
			}
		}
	}
}

// DecodeError marks an inbound frame that was not a valid envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "malformed message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
