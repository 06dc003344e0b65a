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

package config

import (
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/stun"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/livekit/protocol/logger"
)

const (
	stunDialTimeout   = 5 * time.Second
	stunRetryInterval = 500 * time.Millisecond
	stunMaxRetries    = 2
)

// determineIP picks the address the embedded TURN relay hands out to participants.
func (conf *Config) determineIP() (string, error) {
	if !conf.RTC.UseExternalIP {
		return LocalIPv4()
	}

	servers := conf.RTC.STUNServers
	if len(servers) == 0 {
		servers = DefaultStunServers
	}

	var ip string
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(stunRetryInterval), stunMaxRetries)
	err := backoff.Retry(func() error {
		var err error
		ip, err = ExternalIP(servers)
		return err
	}, b)
	if err != nil {
		return "", errors.Wrap(err, "could not resolve external IP")
	}
	logger.Debugw("resolved external IP", "ip", ip)
	return ip, nil
}

// LocalIPv4 returns the first non-loopback IPv4 address of this host, or a loopback
// address when nothing else is configured.
func LocalIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	loopback := ""
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil {
			continue
		}
		if ip.IsLoopback() {
			if loopback == "" {
				loopback = ip.String()
			}
			continue
		}
		return ip.String(), nil
	}

	if loopback != "" {
		return loopback, nil
	}
	return "", errors.New("could not find local IP address")
}

// ExternalIP asks each STUN server in turn for this host's server reflexive IPv4 address.
func ExternalIP(stunServers []string) (string, error) {
	if len(stunServers) == 0 {
		return "", errors.New("STUN servers are required but not defined")
	}

	var errs error
	for _, s := range stunServers {
		ip, err := reflexiveIP(s)
		if err == nil {
			return ip, nil
		}
		errs = multierr.Append(errs, errors.Wrap(err, s))
	}
	return "", errs
}

func reflexiveIP(stunURL string) (string, error) {
	uri, err := stun.ParseURI(stunURL)
	if err != nil {
		return "", err
	}

	conn, err := net.DialTimeout("udp4", net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)), stunDialTimeout)
	if err != nil {
		return "", err
	}
	c, err := stun.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	defer c.Close()

	var (
		ip     net.IP
		resErr error
	)
	err = c.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(res stun.Event) {
		if res.Error != nil {
			resErr = res.Error
			return
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			resErr = err
			return
		}
		ip = xorAddr.IP.To4()
	})
	switch {
	case err != nil:
		return "", err
	case resErr != nil:
		return "", resErr
	case ip == nil:
		return "", errors.New("no IPv4 mapped address in STUN response")
	}
	return ip.String(), nil
}
