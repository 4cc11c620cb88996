package switchbox

import (
	"fmt"
	"sync"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

// ChannelStore mirrors the last confirmed state of the 32 relay channels.
// It performs no I/O.
type ChannelStore struct {
	mu     sync.RWMutex
	states [model.ChannelCount]model.ChannelState
}

func NewChannelStore() *ChannelStore {
	return &ChannelStore{}
}

func (s *ChannelStore) Get(channel int) (model.ChannelState, error) {
	if err := model.ValidateChannel(channel); err != nil {
		return model.ChannelOff, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[channel-1], nil
}

func (s *ChannelStore) GetPort(port model.Port) ([]model.ChannelState, error) {
	if port.Index() < 0 {
		return nil, fmt.Errorf("%w: invalid port %q", model.ErrOutOfRange, port)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portLocked(port), nil
}

func (s *ChannelStore) Set(channel int, state model.ChannelState) error {
	if err := model.ValidateChannel(channel); err != nil {
		return err
	}
	if !state.Valid() {
		return fmt.Errorf("%w: channel state %d", model.ErrInvalidValue, int(state))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[channel-1] = state
	return nil
}

// SetPort applies up to eight states to a port. Extra entries are ignored.
// With keepPortStatus false the port is cleared first, so missing entries end up OFF;
// otherwise missing entries keep their current state.
func (s *ChannelStore) SetPort(port model.Port, values []model.ChannelState, keepPortStatus bool) error {
	if port.Index() < 0 {
		return fmt.Errorf("%w: invalid port %q", model.ErrOutOfRange, port)
	}
	for _, v := range values {
		if !v.Valid() {
			return fmt.Errorf("%w: channel state %d", model.ErrInvalidValue, int(v))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	base := port.Index() * model.ChannelsPerPort
	if !keepPortStatus {
		for i := 0; i < model.ChannelsPerPort; i++ {
			s.states[base+i] = model.ChannelOff
		}
	}
	for i, v := range values {
		if i >= model.ChannelsPerPort {
			break
		}
		s.states[base+i] = v
	}
	return nil
}

// Snapshot returns a copy of every port keyed by letter.
func (s *ChannelStore) Snapshot() map[model.Port][]model.ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Port][]model.ChannelState, model.PortCount)
	for _, p := range model.Ports {
		out[p] = s.portLocked(p)
	}
	return out
}

func (s *ChannelStore) portLocked(port model.Port) []model.ChannelState {
	base := port.Index() * model.ChannelsPerPort
	out := make([]model.ChannelState, model.ChannelsPerPort)
	copy(out, s.states[base:base+model.ChannelsPerPort])
	return out
}
