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
	"io"
	"net"
	"os"
	"time"

	"github.com/frostbyte73/core"

	"github.com/mirastream/mirastream-sender/pkg/config"
	"github.com/mirastream/mirastream-sender/pkg/logger"
	"github.com/mirastream/mirastream-sender/pkg/rtc"
)

const (
	// unitsPerBatch matches the packetizer payload capacity at the
	// default packet size, so a batch maps onto one RTP packet.
	unitsPerBatch = 7
	batchSize     = unitsPerBatch * rtc.TSUnitSize
)

// fileReader feeds a transport stream file to the sender at a constant
// configured bitrate. Batch timestamps are derived from the byte offset
// so the sender's pacer spaces delivery on the wire.
type fileReader struct {
	conf   config.InputConfig
	sender *rtc.Sender
	logger logger.Logger
	stop   core.Fuse
}

func newFileReader(conf config.InputConfig, sender *rtc.Sender, l logger.Logger) *fileReader {
	return &fileReader{
		conf:   conf,
		sender: sender,
		logger: l,
		stop:   core.NewFuse(),
	}
}

func (r *fileReader) Run() error {
	f, err := os.Open(r.conf.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	bitsPerUs := float64(r.conf.BitrateKbps) / 1000

	startUs := rtc.NowUs()
	buf := make([]byte, batchSize)
	var bytesRead int64
	for {
		if r.stop.IsBroken() {
			return nil
		}

		n, err := io.ReadFull(f, buf)
		if n > 0 {
			// drop a trailing partial unit, the stream is done anyway
			n -= n % rtc.TSUnitSize
		}
		if n > 0 {
			timeUs := int64(float64(bytesRead*8) / bitsPerUs)

			// stay at most one second ahead of the wire
			if aheadUs := timeUs - (rtc.NowUs() - startUs); aheadUs > 1_000_000 {
				time.Sleep(time.Duration(aheadUs-500_000) * time.Microsecond)
			}

			if qErr := r.sender.QueuePackets(timeUs, buf[:n], true); qErr != nil {
				return qErr
			}
			bytesRead += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.logger.Infow("input file exhausted", "bytes", bytesRead)
			// let the pacer drain scheduled batches
			time.Sleep(time.Second)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *fileReader) Stop() {
	r.stop.Break()
}

// udpReader forwards transport stream datagrams received on a local
// port. Timestamps are taken at arrival, so delivery is immediate and
// pacing follows the upstream producer.
type udpReader struct {
	conf   config.InputConfig
	sender *rtc.Sender
	logger logger.Logger

	conn *net.UDPConn
	stop core.Fuse
}

func newUDPReader(conf config.InputConfig, sender *rtc.Sender, l logger.Logger) *udpReader {
	return &udpReader{
		conf:   conf,
		sender: sender,
		logger: l,
		stop:   core.NewFuse(),
	}
}

func (r *udpReader) Run() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: r.conf.ListenPort})
	if err != nil {
		return err
	}
	r.conn = conn
	defer conn.Close()

	startUs := rtc.NowUs()
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if r.stop.IsBroken() {
				return nil
			}
			return err
		}
		if n == 0 || n%rtc.TSUnitSize != 0 {
			r.logger.Warnw("dropping datagram, not a whole number of transport stream units", nil,
				"size", n)
			continue
		}
		if qErr := r.sender.QueuePackets(rtc.NowUs()-startUs, buf[:n], true); qErr != nil {
			return fmt.Errorf("could not queue packets: %w", qErr)
		}
	}
}

func (r *udpReader) Stop() {
	r.stop.Break()
	if r.conn != nil {
		_ = r.conn.Close()
	}
}
