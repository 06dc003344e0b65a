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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/livekit/meshroom/pkg/client"
	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/rtc"
	"github.com/livekit/meshroom/pkg/rtc/types"
	"github.com/livekit/meshroom/pkg/service"
	"github.com/livekit/meshroom/pkg/signalling"
)

const statsInterval = 5 * time.Second

func generateSecret(_ *cli.Context) error {
	fmt.Println("TURN Secret: ", utils.RandomSecret())
	return nil
}

func joinRoom(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p := client.NewParticipant(client.ParticipantParams{
		URL:     c.String("url"),
		Room:    signalling.RoomName(c.String("room")),
		Signal:  conf.Signal,
		Session: conf.Session,
		Quality: conf.Quality,
		RTC:     conf.RTC,
		Logger:  logger.GetLogger(),
	})
	p.OnSessionStateChanged(func(remote signalling.ParticipantID, state types.HandshakeState) {
		logger.Infow("peer session", "remote", remote, "state", state.String())
	})
	p.OnRemoteMediaState(func(remote signalling.ParticipantID, update signalling.TrackUpdate) {
		logger.Infow("remote media", "remote", remote, "audio", update.Audio, "video", update.Video)
	})
	p.OnError(func(e signalling.Error) {
		logger.Infow("relay service error", "code", e.Code, "message", e.Message)
	})

	var kinds []webrtc.RTPCodecType
	if c.Bool("publish-audio") {
		kinds = append(kinds, webrtc.RTPCodecTypeAudio)
	}
	if c.Bool("publish-video") {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	streamID := c.String("room")
	for _, me := range p.AcquireMedia(func(kind webrtc.RTPCodecType) (webrtc.TrackLocal, error) {
		track, err := rtc.NewSyntheticTrack(kind, streamID)
		if err != nil {
			return nil, err
		}
		track.Start()
		return track, nil
	}, kinds...) {
		fmt.Println(me.Message())
	}

	if err := p.Connect(ctx); err != nil {
		return err
	}
	defer p.Leave()

	if err := p.WaitUntilJoined(ctx); err != nil {
		return err
	}
	logger.Infow("joined room", "participant", p.ID(), "room", c.String("room"))

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.IsLeft() {
				return errors.New("signaling connection lost")
			}
			printPeers(p)
		}
	}
}

func printPeers(p *client.Participant) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Peer", "State", "Received"})
	for _, remote := range p.Peers() {
		state := "-"
		if s := p.Manager().Session(remote); s != nil {
			state = s.State().String()
		}
		table.Append([]string{
			string(remote),
			state,
			humanize.Bytes(p.BytesReceived(remote)),
		})
	}
	table.Render()
}

func listRooms(c *cli.Context) error {
	url := strings.TrimSuffix(c.String("url"), "/") + "/debug/rooms"

	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "could not reach relay service")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, string(body))
	}

	var rooms service.RoomsResponse
	if err := json.NewDecoder(res.Body).Decode(&rooms); err != nil {
		return errors.Wrap(err, "could not decode rooms")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Room",
		"Participants",
		"Members",
		"Created",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER,
	})

	for _, room := range rooms.Rooms {
		members := make([]string, 0, len(room.Members))
		for _, m := range room.Members {
			members = append(members, string(m))
		}
		table.Append([]string{
			string(room.Name),
			fmt.Sprintf("%d", len(room.Members)),
			strings.Join(members, "\n"),
			humanize.Time(room.CreatedAt),
		})
	}
	table.Render()

	fmt.Printf("%d rooms, %d participants connected\n", rooms.NumRooms, rooms.NumParticipants)
	return nil
}

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	udpPorts := make([]string, 0)
	tcpPorts := make([]string, 0)

	tcpPorts = append(tcpPorts, fmt.Sprintf("%d - HTTP service", conf.Port))
	if conf.PrometheusPort != 0 {
		tcpPorts = append(tcpPorts, fmt.Sprintf("%d - Prometheus", conf.PrometheusPort))
	}
	if conf.TURN.Enabled {
		udpPorts = append(udpPorts, fmt.Sprintf("%d - TURN/UDP", conf.TURN.UDPPort))
		udpPorts = append(udpPorts, fmt.Sprintf("%d-%d - TURN relay range", conf.TURN.RelayPortRangeStart, conf.TURN.RelayPortRangeEnd))
	}

	fmt.Println("TCP Ports")
	for _, p := range tcpPorts {
		fmt.Println(p)
	}

	fmt.Println("UDP Ports")
	for _, p := range udpPorts {
		fmt.Println(p)
	}
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
