package model

import (
	"fmt"
	"strings"
	"time"
)

type ChannelState int

const (
	ChannelOff  ChannelState = 0
	ChannelHalf ChannelState = 1 // power1 only, ~12 V hold
	ChannelFull ChannelState = 2 // power1 + power2, ~24 V
)

const (
	ChannelCount    = 32
	PortCount       = 4
	ChannelsPerPort = 8
)

func ParseChannelState(v int) (ChannelState, error) {
	switch ChannelState(v) {
	case ChannelOff, ChannelHalf, ChannelFull:
		return ChannelState(v), nil
	default:
		return ChannelOff, fmt.Errorf("%w: channel state %d not in {0,1,2}", ErrInvalidValue, v)
	}
}

func (s ChannelState) Valid() bool {
	return s == ChannelOff || s == ChannelHalf || s == ChannelFull
}

// Energized reports whether the relay coil is powered at all. HALF counts.
func (s ChannelState) Energized() bool {
	return s == ChannelHalf || s == ChannelFull
}

func (s ChannelState) String() string {
	switch s {
	case ChannelOff:
		return "off"
	case ChannelHalf:
		return "half"
	case ChannelFull:
		return "full"
	default:
		return fmt.Sprintf("invalid(%d)", int(s))
	}
}

type Port string

const (
	PortA Port = "a"
	PortB Port = "b"
	PortC Port = "c"
	PortD Port = "d"
)

var Ports = []Port{PortA, PortB, PortC, PortD}

func ParsePort(s string) (Port, error) {
	p := Port(strings.ToLower(strings.TrimSpace(s)))
	if p.Index() < 0 {
		return "", fmt.Errorf("%w: invalid port %q", ErrOutOfRange, s)
	}
	return p, nil
}

// Index returns the zero-based position of the port, or -1 for an unknown letter.
func (p Port) Index() int {
	for i, known := range Ports {
		if p == known {
			return i
		}
	}
	return -1
}

// Channel returns the 1-based channel number at offset (0-7) within the port.
func (p Port) Channel(offset int) int {
	return p.Index()*ChannelsPerPort + offset + 1
}

func ValidateChannel(channel int) error {
	if channel < 1 || channel > ChannelCount {
		return fmt.Errorf("%w: relay channel %d not in [1,%d]", ErrOutOfRange, channel, ChannelCount)
	}
	return nil
}

// Locate maps a 1-based relay channel onto its port and offset within the port.
func Locate(channel int) (Port, int, error) {
	if err := ValidateChannel(channel); err != nil {
		return "", 0, err
	}
	return Ports[(channel-1)/ChannelsPerPort], (channel - 1) % ChannelsPerPort, nil
}

// ParsePortValues turns a digit string such as "00010012" into eight states.
// Entries past the eighth are ignored, missing entries are OFF.
func ParsePortValues(values string) ([]ChannelState, error) {
	states := make([]ChannelState, ChannelsPerPort)
	for i, r := range values {
		if i >= ChannelsPerPort {
			break
		}
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: port value %q is not a digit", ErrInvalidValue, r)
		}
		s, err := ParseChannelState(int(r - '0'))
		if err != nil {
			return nil, err
		}
		states[i] = s
	}
	return states, nil
}

func FormatPortValues(states []ChannelState) string {
	var b strings.Builder
	for _, s := range states {
		b.WriteByte(byte('0' + int(s)))
	}
	return b.String()
}

// ChannelChange is emitted for each relay channel whose confirmed state moved.
type ChannelChange struct {
	Device   string       `json:"device"`
	Channel  int          `json:"channel"`
	Previous ChannelState `json:"previous"`
	Current  ChannelState `json:"current"`
	Source   string       `json:"source"` // command, timer, sync
	At       time.Time    `json:"at"`
}

const (
	SourceCommand = "command"
	SourceTimer   = "timer"
	SourceSync    = "sync"
)

type ValveBinding struct {
	Name          string
	RelayRef      string
	Channel       int
	NormallyOpen  bool
	LowPowerAfter time.Duration
}
