// Package valve drives solenoid valves wired to a relay channel.
package valve

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/registry"
)

// Switch is the relay capability a valve needs to open and close.
type Switch interface {
	PowerOn(channel int) error
	PowerOff(channel int) error
	ReadChannel(channel int) (model.ChannelState, error)
}

// Relay adds the low-power hold used by ScheduleLowPower.
type Relay interface {
	Switch
	SetChannel(channel int, state model.ChannelState, keepPortStatus bool, switchToLowAfter time.Duration) error
}

type Observer interface {
	ObserveValve(name string, open bool)
}

type Valve struct {
	Name         string
	Ref          string
	relay        Relay
	channel      int
	normallyOpen bool

	mu            sync.Mutex
	lowPowerAfter time.Duration
	observers     []Observer
}

func New(b model.ValveBinding, relay Relay) (*Valve, error) {
	if err := model.ValidateChannel(b.Channel); err != nil {
		return nil, fmt.Errorf("valve %s: %w", b.Name, err)
	}
	after := b.LowPowerAfter
	if after <= 0 {
		after = -1
	}
	return &Valve{
		Name:          b.Name,
		Ref:           b.RelayRef,
		relay:         relay,
		channel:       b.Channel,
		normallyOpen:  b.NormallyOpen,
		lowPowerAfter: after,
	}, nil
}

// Bind resolves the valve's relay reference once and returns the bound valve.
func Bind[R Relay](reg *registry.Registry[R], b model.ValveBinding) (*Valve, error) {
	relay, err := reg.Lookup(b.RelayRef)
	if err != nil {
		return nil, fmt.Errorf("bind valve %s: %w", b.Name, err)
	}
	return New(b, relay)
}

func (v *Valve) Channel() int {
	return v.channel
}

func (v *Valve) NormallyOpen() bool {
	return v.normallyOpen
}

func (v *Valve) LowPowerAfter() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lowPowerAfter
}

func (v *Valve) AddObserver(o Observer) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, o)
}

func (v *Valve) Open() error {
	if v.normallyOpen {
		return v.apply(true, v.deenergize)
	}
	return v.apply(true, v.energize)
}

func (v *Valve) Close() error {
	if v.normallyOpen {
		return v.apply(false, v.energize)
	}
	return v.apply(false, v.deenergize)
}

// IsOpen reads the relay channel from the device. HALF counts as energized.
func (v *Valve) IsOpen() (bool, error) {
	state, err := v.relay.ReadChannel(v.channel)
	if err != nil {
		return false, err
	}
	return state.Energized() != v.normallyOpen, nil
}

// ScheduleLowPower records the hold delay for later energizing commands and,
// when the channel is at FULL now, re-arms its drop to HALF. A non-positive
// delay disables the drop.
func (v *Valve) ScheduleLowPower(after time.Duration) error {
	if after <= 0 {
		after = -1
	}
	v.mu.Lock()
	v.lowPowerAfter = after
	v.mu.Unlock()

	state, err := v.relay.ReadChannel(v.channel)
	if err != nil {
		return err
	}
	if state != model.ChannelFull {
		return nil
	}
	return v.relay.SetChannel(v.channel, model.ChannelFull, true, after)
}

func (v *Valve) energize() error {
	after := v.LowPowerAfter()
	if after > 0 {
		return v.relay.SetChannel(v.channel, model.ChannelFull, true, after)
	}
	return v.relay.PowerOn(v.channel)
}

func (v *Valve) deenergize() error {
	return v.relay.PowerOff(v.channel)
}

func (v *Valve) apply(open bool, fn func() error) error {
	if err := fn(); err != nil {
		log.Error().Err(err).Str("valve", v.Name).Bool("open", open).Msg("Failed to actuate valve")
		return err
	}
	log.Info().Str("valve", v.Name).Bool("open", open).Msg("Valve actuated")

	v.mu.Lock()
	observers := append([]Observer(nil), v.observers...)
	v.mu.Unlock()
	for _, o := range observers {
		o.ObserveValve(v.Name, open)
	}
	return nil
}
