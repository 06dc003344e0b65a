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

package client

import (
	"context"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/routing"
	"github.com/livekit/meshroom/pkg/signalling"
)

type SignalClientParams struct {
	URL    string
	Config config.SignalConfig
	Logger logger.Logger
}

// SignalClient is the participant side of the signaling channel. Outbound messages are
// buffered and written by a single pump; SendMessage never blocks on the network.
type SignalClient struct {
	params SignalClientParams
	conn   *websocket.Conn
	out    *routing.MessageChannel

	closed core.Fuse
}

func DialSignal(ctx context.Context, params SignalClientParams) (*SignalClient, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.WriteWait <= 0 {
		params.Config = config.DefaultConfig.Signal
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, params.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s", params.URL)
	}
	conn.SetReadLimit(params.Config.MaxMessageSize)

	c := &SignalClient{
		params: params,
		conn:   conn,
		out:    routing.NewMessageChannel(params.Config.SendBufferSize),
	}
	go c.writePump()
	return c, nil
}

// SendMessage queues msg for delivery to the relay service.
func (c *SignalClient) SendMessage(msg *signalling.Message) error {
	if c.closed.IsBroken() {
		return routing.ErrChannelClosed
	}
	return c.out.WriteMessage(msg)
}

// ReadMessage blocks until the next message arrives. Malformed frames are skipped.
func (c *SignalClient) ReadMessage() (*signalling.Message, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			c.params.Logger.Debugw("unsupported message", "message", messageType)
			continue
		}

		msg, err := signalling.Unmarshal(payload)
		if err != nil {
			c.params.Logger.Warnw("could not decode signal message", err)
			continue
		}
		return msg, nil
	}
}

// Close discards queued messages and closes the connection.
func (c *SignalClient) Close() {
	if c.closed.IsBroken() {
		return
	}
	c.closed.Break()
	c.out.Close()

	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.params.Config.WriteWait),
	)
	_ = c.conn.Close()
}

func (c *SignalClient) IsClosed() bool {
	return c.closed.IsBroken()
}

func (c *SignalClient) writePump() {
	for {
		select {
		case <-c.closed.Watch():
			return
		case msg, ok := <-c.out.ReadChan():
			if !ok {
				return
			}
			payload, err := signalling.Marshal(msg)
			if err != nil {
				c.params.Logger.Warnw("could not encode signal message", err, "kind", msg.Kind)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.params.Config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.params.Logger.Infow("signal connection write failed", "error", err)
				return
			}
		}
	}
}
