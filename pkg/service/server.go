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
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pion/turn/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshroom/pkg/config"
	"github.com/livekit/meshroom/pkg/rooms"
	"github.com/livekit/meshroom/pkg/routing"
	"github.com/livekit/meshroom/pkg/telemetry/prometheus"
)

const (
	nodeStatsInterval = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// RoomsResponse is served at /debug/rooms.
type RoomsResponse struct {
	NumRooms        int              `json:"num_rooms"`
	NumParticipants int              `json:"num_participants"`
	Rooms           []rooms.RoomInfo `json:"rooms"`
}

type MeshroomServer struct {
	config        *config.Config
	signalService *SignalService
	router        *routing.Router
	turnServer    *turn.Server
	httpServer    *http.Server
	promServer    *http.Server
	running       atomic.Bool
	doneChan      chan struct{}
	closedChan    chan struct{}
}

func NewMeshroomServer(conf *config.Config,
	signalService *SignalService,
	router *routing.Router,
	turnServer *turn.Server,
) (*MeshroomServer, error) {
	s := &MeshroomServer{
		config:        conf,
		signalService: signalService,
		router:        router,
		turnServer:    turnServer,
		closedChan:    make(chan struct{}),
	}

	middlewares := []negroni.Handler{
		// always first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowOriginFunc: func(origin string) bool {
				return true
			},
			AllowedHeaders: []string{"*"},
		}),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", signalService)
	mux.HandleFunc("/healthz", s.healthCheck)
	mux.HandleFunc("/debug/rooms", s.listRooms)
	if conf.PrometheusPort == 0 {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		s.promServer = &http.Server{
			Handler: promhttp.Handler(),
		}
	}

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	return s, nil
}

func (s *MeshroomServer) Router() *routing.Router {
	return s.router
}

func (s *MeshroomServer) SignalService() *SignalService {
	return s.signalService
}

func (s *MeshroomServer) IsRunning() bool {
	return s.running.Load()
}

// Handler is the root HTTP handler, with middlewares applied.
func (s *MeshroomServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *MeshroomServer) Start() error {
	if s.running.Load() {
		return errors.New("already running")
	}

	addresses := s.config.BindAddresses
	if len(addresses) == 0 {
		addresses = []string{""}
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0)
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(int(s.config.Port))))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	var promListener net.Listener
	if s.promServer != nil {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.PrometheusPort))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		promListener = ln
	}

	values := []interface{}{
		"portHttp", s.config.Port,
		"bindAddresses", addresses,
	}
	if s.config.TURN.Enabled {
		values = append(values, "turn.portUDP", s.config.TURN.UDPPort)
	}
	if s.promServer != nil {
		values = append(values, "prometheusPort", s.config.PrometheusPort)
	}
	logger.Infow("starting meshroom server", values...)

	for _, ln := range listeners {
		go func(l net.Listener) {
			if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
				logger.Errorw("could not serve", err, "address", l.Addr())
			}
		}(ln)
	}
	if promListener != nil {
		go func() {
			_ = s.promServer.Serve(promListener)
		}()
	}

	s.doneChan = make(chan struct{})
	s.running.Store(true)

	ticker := time.NewTicker(nodeStatsInterval)
	defer ticker.Stop()

	_ = prometheus.UpdateNodeStats()
wait:
	for {
		select {
		case <-s.doneChan:
			break wait
		case <-ticker.C:
			if err := prometheus.UpdateNodeStats(); err != nil {
				logger.Debugw("could not update node stats", "error", err)
			}
		}
	}

	logger.Infow("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		return s.httpServer.Shutdown(ctx)
	})
	if s.promServer != nil {
		g.Go(func() error {
			return s.promServer.Shutdown(ctx)
		})
	}
	if s.turnServer != nil {
		g.Go(s.turnServer.Close)
	}
	if err := g.Wait(); err != nil {
		logger.Warnw("error during shutdown", err)
	}

	close(s.closedChan)
	return nil
}

// Stop makes Start return after shutting down the listeners. With force unset it waits
// for that to finish.
func (s *MeshroomServer) Stop(force bool) {
	if !s.running.Swap(false) {
		return
	}
	close(s.doneChan)

	if !force {
		<-s.closedChan
	}
}

func (s *MeshroomServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *MeshroomServer) listRooms(w http.ResponseWriter, _ *http.Request) {
	registry := s.router.Registry()
	res := RoomsResponse{
		NumRooms:        registry.NumRooms(),
		NumParticipants: registry.NumParticipants(),
		Rooms:           registry.ListRooms(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&res); err != nil {
		logger.Warnw("could not encode rooms", err)
	}
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}
