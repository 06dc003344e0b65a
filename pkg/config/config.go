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
	"fmt"
	"maps"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/stun"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	serverlogger "github.com/livekit/meshroom/pkg/logger"
)

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "MESHROOM_"
)

var (
	ErrInvalidPortRange   = errors.New("invalid port range")
	ErrInvalidICEServer   = errors.New("invalid ICE server URL")
	ErrInvalidLadder      = errors.New("quality ladder must be non-empty with strictly increasing bitrates")
	ErrInvalidThresholds  = errors.New("quality thresholds must satisfy 0 <= upgrade_loss < downgrade_loss <= 1")
	ErrInvalidReconnect   = errors.New("reconnect intervals must be positive and initial <= max")
	ErrTURNSecretRequired = errors.New("turn.secret is required when TURN is enabled")

	durationType = reflect.TypeOf(time.Duration(0))
)

var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	Port           uint32        `yaml:"port,omitempty"`
	BindAddresses  []string      `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32        `yaml:"prometheus_port,omitempty"`
	Signal         SignalConfig  `yaml:"signal,omitempty"`
	Room           RoomConfig    `yaml:"room,omitempty"`
	RTC            RTCConfig     `yaml:"rtc,omitempty"`
	Session        SessionConfig `yaml:"session,omitempty"`
	Quality        QualityConfig `yaml:"quality,omitempty"`
	TURN           TURNConfig    `yaml:"turn,omitempty"`
	Logging        LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type SignalConfig struct {
	// time allowed to write a frame to the peer
	WriteWait time.Duration `yaml:"write_wait,omitempty"`
	// time allowed to read the next pong from the peer
	PongWait     time.Duration `yaml:"pong_wait,omitempty"`
	PingInterval time.Duration `yaml:"ping_interval,omitempty"`
	// max inbound frame, in bytes
	MaxMessageSize int64 `yaml:"max_message_size,omitempty"`
	// outbound messages buffered per participant before dropping
	SendBufferSize int `yaml:"send_buffer_size,omitempty"`
}

type RoomConfig struct {
	// 0 for unlimited
	MaxParticipants   uint32 `yaml:"max_participants,omitempty"`
	MaxRoomNameLength int    `yaml:"max_room_name_length,omitempty"`
}

type ICEServerConfig struct {
	URLs       []string `yaml:"urls,omitempty"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type RTCConfig struct {
	STUNServers []string          `yaml:"stun_servers,omitempty"`
	ICEServers  []ICEServerConfig `yaml:"ice_servers,omitempty"`

	ICEPortRangeStart uint16 `yaml:"port_range_start,omitempty"`
	ICEPortRangeEnd   uint16 `yaml:"port_range_end,omitempty"`

	// use STUN to discover the address handed out for the embedded TURN relay
	UseExternalIP bool   `yaml:"use_external_ip,omitempty"`
	NodeIP        string `yaml:"node_ip,omitempty"`

	IncludeLoopbackCandidate bool `yaml:"include_loopback_candidate,omitempty"`

	ICEDisconnectedTimeout time.Duration `yaml:"ice_disconnected_timeout,omitempty"`
	ICEFailedTimeout       time.Duration `yaml:"ice_failed_timeout,omitempty"`
	ICEKeepaliveInterval   time.Duration `yaml:"ice_keepalive_interval,omitempty"`
}

type SessionConfig struct {
	ReconnectInitialInterval time.Duration `yaml:"reconnect_initial_interval,omitempty"`
	ReconnectMaxInterval     time.Duration `yaml:"reconnect_max_interval,omitempty"`
	ReconnectMaxAttempts     int           `yaml:"reconnect_max_attempts,omitempty"`
	// a reconnect attempt that has not connected within this window counts as failed
	ReconnectAttemptTimeout time.Duration `yaml:"reconnect_attempt_timeout,omitempty"`
	NegotiationDebounce     time.Duration `yaml:"negotiation_debounce,omitempty"`
}

type QualityLevel struct {
	Name    string `yaml:"name,omitempty"`
	Bitrate uint64 `yaml:"bitrate,omitempty"`
}

type QualityConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval,omitempty"`
	// weight of the previous smoothed loss in the moving average
	SmoothingWeight float64        `yaml:"smoothing_weight,omitempty"`
	DowngradeLoss   float64        `yaml:"downgrade_loss,omitempty"`
	UpgradeLoss     float64        `yaml:"upgrade_loss,omitempty"`
	UpgradeMargin   float64        `yaml:"upgrade_margin,omitempty"`
	Ladder          []QualityLevel `yaml:"ladder,omitempty"`
}

type TURNConfig struct {
	Enabled             bool          `yaml:"enabled,omitempty"`
	Domain              string        `yaml:"domain,omitempty"`
	UDPPort             int           `yaml:"udp_port,omitempty"`
	Realm               string        `yaml:"realm,omitempty"`
	Secret              string        `yaml:"secret,omitempty"`
	CredentialTTL       time.Duration `yaml:"credential_ttl,omitempty"`
	RelayPortRangeStart uint16        `yaml:"relay_range_start,omitempty"`
	RelayPortRangeEnd   uint16        `yaml:"relay_range_end,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Port: 7880,
	Signal: SignalConfig{
		WriteWait:      10 * time.Second,
		PongWait:       30 * time.Second,
		PingInterval:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 64,
	},
	Room: RoomConfig{
		MaxRoomNameLength: 256,
	},
	RTC: RTCConfig{
		STUNServers:            DefaultStunServers,
		ICEDisconnectedTimeout: 10 * time.Second,
		ICEFailedTimeout:       25 * time.Second,
		ICEKeepaliveInterval:   2 * time.Second,
	},
	Session: SessionConfig{
		ReconnectInitialInterval: time.Second,
		ReconnectMaxInterval:     8 * time.Second,
		ReconnectMaxAttempts:     5,
		ReconnectAttemptTimeout:  30 * time.Second,
		NegotiationDebounce:      150 * time.Millisecond,
	},
	Quality: QualityConfig{
		SampleInterval:  2 * time.Second,
		SmoothingWeight: 0.9,
		DowngradeLoss:   0.10,
		UpgradeLoss:     0.05,
		UpgradeMargin:   0.2,
		Ladder: []QualityLevel{
			{Name: "low", Bitrate: 250_000},
			{Name: "medium", Bitrate: 800_000},
			{Name: "high", Bitrate: 2_500_000},
		},
	},
	TURN: TURNConfig{
		Enabled:       false,
		UDPPort:       3478,
		Realm:         "meshroom",
		CredentialTTL: 12 * time.Hour,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.RTC.Validate(); err != nil {
		return nil, errors.Wrap(err, "could not validate RTC config")
	}
	if err := conf.Session.Validate(); err != nil {
		return nil, errors.Wrap(err, "could not validate session config")
	}
	if err := conf.Quality.Validate(); err != nil {
		return nil, errors.Wrap(err, "could not validate quality config")
	}
	if conf.TURN.Enabled {
		if conf.TURN.Secret == "" {
			return nil, ErrTURNSecretRequired
		}
		if conf.RTC.NodeIP == "" {
			if conf.RTC.NodeIP, err = conf.determineIP(); err != nil {
				return nil, err
			}
		}
	}

	// set defaults for Turn relay if none are set
	if conf.TURN.RelayPortRangeStart == 0 || conf.TURN.RelayPortRangeEnd == 0 {
		// to make it easier to run in dev mode/docker, default to two ports
		if conf.Development {
			conf.TURN.RelayPortRangeStart = 30000
			conf.TURN.RelayPortRangeEnd = 30002
		} else {
			conf.TURN.RelayPortRangeStart = 30000
			conf.TURN.RelayPortRangeEnd = 40000
		}
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

func (r *RTCConfig) Validate() error {
	if (r.ICEPortRangeStart == 0) != (r.ICEPortRangeEnd == 0) || r.ICEPortRangeStart > r.ICEPortRangeEnd {
		return ErrInvalidPortRange
	}
	for _, u := range r.STUNServers {
		if _, err := stun.ParseURI(u); err != nil {
			return errors.Wrapf(ErrInvalidICEServer, "%s: %v", u, err)
		}
	}
	for _, s := range r.ICEServers {
		for _, u := range s.URLs {
			if _, err := stun.ParseURI(u); err != nil {
				return errors.Wrapf(ErrInvalidICEServer, "%s: %v", u, err)
			}
		}
	}
	return nil
}

func (s *SessionConfig) Validate() error {
	if s.ReconnectInitialInterval <= 0 || s.ReconnectMaxInterval < s.ReconnectInitialInterval {
		return ErrInvalidReconnect
	}
	return nil
}

func (q *QualityConfig) Validate() error {
	if len(q.Ladder) == 0 {
		return ErrInvalidLadder
	}
	for i := 1; i < len(q.Ladder); i++ {
		if q.Ladder[i].Bitrate <= q.Ladder[i-1].Bitrate {
			return ErrInvalidLadder
		}
	}
	if q.UpgradeLoss < 0 || q.DowngradeLoss > 1 || q.UpgradeLoss >= q.DowngradeLoss {
		return ErrInvalidThresholds
	}
	if q.SmoothingWeight < 0 || q.SmoothingWeight >= 1 {
		return errors.New("quality smoothing_weight must be in [0, 1)")
	}
	return nil
}

// ICEServerURLs returns every configured STUN/TURN URL, STUN servers first.
func (r *RTCConfig) ICEServerURLs() []string {
	urls := append([]string{}, r.STUNServers...)
	for _, s := range r.ICEServers {
		urls = append(urls, s.URLs...)
	}
	return urls
}

// cliFields maps the dotted yaml path of every field reachable from conf to its value.
// Paths already claimed by existingFlags are left out.
func (conf *Config) cliFields(existingFlags []cli.Flag) map[string]reflect.Value {
	taken := make(map[string]bool)
	for _, flag := range existingFlags {
		for _, name := range flag.Names() {
			taken[name] = true
		}
	}

	fields := make(map[string]reflect.Value)
	collectCLIFields(reflect.ValueOf(conf).Elem(), "", taken, fields)
	return fields
}

func collectCLIFields(v reflect.Value, prefix string, taken map[string]bool, out map[string]reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		inline := strings.Contains(opts, "inline")
		if name == "-" || (name == "" && !inline) {
			continue
		}

		// inlined fields live at their parent's path
		path := name
		switch {
		case inline:
			path = prefix
		case prefix != "":
			path = prefix + "." + name
		}
		if path == "" || taken[path] {
			continue
		}

		value := v.Field(i)
		if value.Kind() == reflect.Struct {
			collectCLIFields(value, path, taken, out)
			continue
		}
		out[path] = value
	}
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	fields := (&Config{}).cliFields(existingFlags)

	flags := make([]cli.Flag, 0, len(fields))
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		flag, err := newGeneratedFlag(name, fields[name].Type(), hidden)
		if err != nil {
			return nil, err
		}
		if flag != nil {
			flags = append(flags, flag)
		}
	}
	return flags, nil
}

// newGeneratedFlag returns nil for values only settable through the config file.
func newGeneratedFlag(name string, t reflect.Type, hidden bool) (cli.Flag, error) {
	envVars := []string{envVarPrefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))}
	if t == durationType {
		return &cli.DurationFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	}

	kind := t.Kind()
	if kind == reflect.Pointer {
		kind = t.Elem().Kind()
	}
	switch kind {
	case reflect.Bool:
		return &cli.BoolFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.String:
		return &cli.StringFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Int, reflect.Int32:
		return &cli.IntFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Int64:
		return &cli.Int64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return &cli.UintFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Uint64:
		return &cli.Uint64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Float32, reflect.Float64:
		return &cli.Float64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}, nil
	case reflect.Slice, reflect.Map, reflect.Struct:
		return nil, nil
	default:
		return nil, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind)
	}
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	fields := conf.cliFields(baseFlags)
	for _, flag := range c.App.Flags {
		name := flag.Names()[0]
		value, ok := fields[name]
		if !ok || !c.IsSet(name) {
			continue
		}
		if err := setFromCLI(c, name, value); err != nil {
			return err
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	if c.IsSet("node-ip") {
		conf.RTC.NodeIP = c.String("node-ip")
	}
	if c.IsSet("turn-secret") {
		conf.TURN.Secret = c.String("turn-secret")
	}
	return nil
}

func setFromCLI(c *cli.Context, name string, value reflect.Value) error {
	if value.Type() == durationType {
		value.SetInt(int64(c.Duration(name)))
		return nil
	}
	if value.Kind() == reflect.Pointer {
		value.Set(reflect.New(value.Type().Elem()))
		value = value.Elem()
	}

	switch value.Kind() {
	case reflect.Bool:
		value.SetBool(c.Bool(name))
	case reflect.String:
		value.SetString(c.String(name))
	case reflect.Int, reflect.Int32, reflect.Int64:
		value.SetInt(c.Int64(name))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		value.SetUint(c.Uint64(name))
	case reflect.Float32, reflect.Float64:
		value.SetFloat(c.Float64(name))
	default:
		return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", name, value.Kind())
	}
	return nil
}

// ExpandPath resolves ~ and environment variables in a config file path.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return homedir.Expand(os.ExpandEnv(path))
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "meshroom")
	serverlogger.SetDefaultLoggerFactory(
		serverlogger.NewLoggerFactory(logger.GetLogger().WithName("pion"), config.Level, config.ComponentLevels),
	)
}
