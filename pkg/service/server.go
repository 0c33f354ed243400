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

package service

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirastream/mirastream-sender/pkg/config"
	"github.com/mirastream/mirastream-sender/pkg/logger"
	"github.com/mirastream/mirastream-sender/pkg/netsession"
	"github.com/mirastream/mirastream-sender/pkg/rtc"
	"github.com/mirastream/mirastream-sender/pkg/telemetry/prometheus"
)

// Server owns the process lifecycle: the network session manager, one
// RTP sender, the transport stream input, and the optional metrics
// endpoint.
type Server struct {
	conf   *config.Config
	logger logger.Logger

	manager *netsession.Manager
	sender  *rtc.Sender
	input   inputReader

	promServer *http.Server

	initDone core.Fuse
	shutdown core.Fuse
	done     chan struct{}
}

type inputReader interface {
	Run() error
	Stop()
}

func NewServer(conf *config.Config, l logger.Logger) (*Server, error) {
	nodeID, _ := os.Hostname()
	if nodeID == "" {
		nodeID = "sender"
	}
	prometheus.Init(nodeID)

	s := &Server{
		conf:     conf,
		logger:   l,
		manager:  netsession.NewManager(l),
		initDone: core.NewFuse(),
		shutdown: core.NewFuse(),
		done:     make(chan struct{}),
	}

	s.sender = rtc.NewSender(rtc.SenderParams{
		Logger:               l,
		Net:                  s.manager,
		MaxPacketSize:        conf.RTP.MaxPacketSize,
		BasePort:             conf.RTP.BasePort,
		PortProbeLimit:       conf.RTP.PortProbeLimit,
		EnableRetransmission: conf.RTP.EnableRetransmission,
		HistoryLength:        conf.RTP.HistoryLength,
		SenderReportInterval: conf.RTP.SenderReportInterval,
		CNAME:                conf.RTP.CNAME,
		Note:                 conf.RTP.Note,
		TSDumpPath:           conf.RTP.TSDumpPath,
		DebugJitter:          conf.RTP.DebugJitter,
		OnInitDone: func() {
			s.initDone.Break()
		},
		OnSessionDead: func() {
			s.logger.Warnw("transport session died, shutting down", nil)
			s.Stop()
		},
	})

	switch conf.Input.Source {
	case "file":
		s.input = newFileReader(conf.Input, s.sender, l)
	case "udp":
		s.input = newUDPReader(conf.Input, s.sender, l)
	default:
		return nil, fmt.Errorf("unknown input source: %s", conf.Input.Source)
	}

	if conf.PrometheusPort > 0 {
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
	}

	return s, nil
}

func (s *Server) Run() error {
	defer close(s.done)

	if s.promServer != nil {
		go func() {
			if err := s.promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Errorw("prometheus server failed", err)
			}
		}()
	}

	mode, err := rtc.ParseTransportMode(s.conf.RTP.Mode)
	if err != nil {
		return err
	}

	if err := s.sender.Init(
		s.conf.RTP.ClientIP,
		s.conf.RTP.ClientRTPPort,
		s.conf.RTP.ClientRTCPPort,
		mode,
	); err != nil {
		return err
	}
	if err := s.sender.FinishInit(); err != nil {
		return err
	}

	select {
	case <-s.initDone.Watch():
	case <-s.shutdown.Watch():
		s.teardown()
		return nil
	case <-time.After(30 * time.Second):
		s.teardown()
		return fmt.Errorf("timed out waiting for transport")
	}

	s.logger.Infow("sender established",
		"clientIP", s.conf.RTP.ClientIP,
		"rtpPort", s.sender.RTPPort(),
		"mode", mode.String())

	inputErr := make(chan error, 1)
	go func() {
		inputErr <- s.input.Run()
	}()

	select {
	case err := <-inputErr:
		if err != nil {
			s.logger.Errorw("input reader failed", err)
		}
	case <-s.shutdown.Watch():
		s.input.Stop()
		<-inputErr
	}

	s.teardown()
	return nil
}

// Stop initiates shutdown and returns once Run has finished.
func (s *Server) Stop() {
	s.shutdown.Break()
}

func (s *Server) Wait() {
	<-s.done
}

func (s *Server) teardown() {
	s.sender.Close()
	s.manager.Close()
	if s.promServer != nil {
		_ = s.promServer.Close()
	}
	s.logger.Infow("sender stopped",
		"packetsSent", prometheus.PacketsSent(),
		"bytesSent", prometheus.BytesSent())
}
