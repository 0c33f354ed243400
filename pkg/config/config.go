// Copyright 2024 Mirastream, Inc.
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
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mirastream/mirastream-sender/pkg/logger"
)

type Config struct {
	RTP            RTPConfig     `yaml:"rtp,omitempty"`
	Input          InputConfig   `yaml:"input,omitempty"`
	Logging        logger.Config `yaml:"logging,omitempty"`
	PrometheusPort int           `yaml:"prometheus_port,omitempty"`
	Development    bool          `yaml:"development,omitempty"`
}

type RTPConfig struct {
	// receiver address, filled from config or CLI
	ClientIP       string `yaml:"client_ip,omitempty"`
	ClientRTPPort  int    `yaml:"client_rtp_port,omitempty"`
	ClientRTCPPort int    `yaml:"client_rtcp_port,omitempty"`

	// udp, tcp or tcp-interleaved
	Mode string `yaml:"mode,omitempty"`

	MaxPacketSize            int           `yaml:"max_packet_size,omitempty"`
	BasePort                 int           `yaml:"base_port,omitempty"`
	PortProbeLimit           int           `yaml:"port_probe_limit,omitempty"`
	EnableRetransmission     bool          `yaml:"enable_retransmission"`
	HistoryLength            int           `yaml:"history_length,omitempty"`
	RetransmissionPortOffset int           `yaml:"retransmission_port_offset,omitempty"`
	SenderReportInterval     time.Duration `yaml:"sender_report_interval,omitempty"`
	CNAME                    string        `yaml:"cname,omitempty"`
	Note                     string        `yaml:"note,omitempty"`

	// diagnostics
	TSDumpPath  string `yaml:"ts_dump_path,omitempty"`
	DebugJitter bool   `yaml:"debug_jitter,omitempty"`
}

type InputConfig struct {
	// file or udp
	Source string `yaml:"source,omitempty"`

	// file source
	Path        string `yaml:"path,omitempty"`
	BitrateKbps int    `yaml:"bitrate_kbps,omitempty"`

	// udp source
	ListenPort int `yaml:"listen_port,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		RTP: RTPConfig{
			ClientRTCPPort:       -1,
			Mode:                 "udp",
			MaxPacketSize:        1500,
			BasePort:             15550,
			PortProbeLimit:       100,
			EnableRetransmission: true,
			HistoryLength:        128,
			SenderReportInterval: 10 * time.Second,
		},
		Input: InputConfig{
			Source:      "file",
			BitrateKbps: 5000,
		},
		Logging: logger.Config{
			Level: "info",
		},
	}
}

// NewConfig builds the effective configuration: defaults, overlaid by
// the YAML body when present, overlaid by CLI flags when set.
func NewConfig(confString string, strictMode bool, c *cli.Context) (*Config, error) {
	conf := DefaultConfig()

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (conf *Config) updateFromCLI(c *cli.Context) error {
	if c.IsSet("client-ip") {
		conf.RTP.ClientIP = c.String("client-ip")
	}
	if c.IsSet("rtp-port") {
		conf.RTP.ClientRTPPort = c.Int("rtp-port")
	}
	if c.IsSet("rtcp-port") {
		conf.RTP.ClientRTCPPort = c.Int("rtcp-port")
	}
	if c.IsSet("mode") {
		conf.RTP.Mode = c.String("mode")
	}
	if c.IsSet("input") {
		conf.Input.Path = c.String("input")
		conf.Input.Source = "file"
	}
	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
		if conf.Development {
			conf.Logging.Level = "debug"
		}
	}
	return nil
}

func (conf *Config) Validate() error {
	if conf.RTP.ClientIP == "" {
		return fmt.Errorf("client_ip is required")
	}
	if conf.RTP.ClientRTPPort <= 0 && conf.RTP.Mode != "tcp-interleaved" {
		return fmt.Errorf("client_rtp_port is required")
	}
	switch conf.RTP.Mode {
	case "", "udp", "tcp", "tcp-interleaved":
	default:
		return fmt.Errorf("unknown rtp mode: %s", conf.RTP.Mode)
	}
	switch conf.Input.Source {
	case "file":
		if conf.Input.Path == "" {
			return fmt.Errorf("input path is required for file source")
		}
		if conf.Input.BitrateKbps <= 0 {
			return fmt.Errorf("bitrate_kbps must be positive")
		}
	case "udp":
		if conf.Input.ListenPort <= 0 {
			return fmt.Errorf("listen_port is required for udp source")
		}
	default:
		return fmt.Errorf("unknown input source: %s", conf.Input.Source)
	}
	return nil
}
