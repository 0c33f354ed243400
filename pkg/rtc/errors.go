package rtc

import "errors"

var (
	ErrMalformedPacket   = errors.New("malformed RTCP packet")
	ErrUnsupportedPacket = errors.New("unsupported RTCP packet")
	ErrInvalidUnitSize   = errors.New("transport stream unit must be 188 bytes")
	ErrInvalidState      = errors.New("invalid sender state")
	ErrNoFreePort        = errors.New("no free port pair within probe range")
	ErrNotEstablished    = errors.New("session not established")
)
