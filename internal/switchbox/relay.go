package switchbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/seriallink"
)

type Exchanger interface {
	Exchange(cmd seriallink.Command) (string, error)
}

// Observer receives confirmed channel transitions. It is called without any relay lock held.
type Observer interface {
	ObserveChange(change model.ChannelChange)
}

// Relay is the 32-channel relay bank of one switch box.
type Relay struct {
	device    string
	name      string
	link      Exchanger
	store     *ChannelStore
	scheduler *PowerScheduler

	// mu serializes every mirror mutation together with the exchange that confirms it.
	mu sync.Mutex

	obsMu     sync.RWMutex
	observers []Observer

	now func() time.Time
}

func NewRelay(device, name string, link Exchanger) *Relay {
	return &Relay{
		device:    device,
		name:      name,
		link:      link,
		store:     NewChannelStore(),
		scheduler: NewPowerScheduler(),
		now:       time.Now,
	}
}

func (r *Relay) Name() string {
	return r.name
}

func (r *Relay) Device() string {
	return r.device
}

func (r *Relay) AddObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Relay) PowerOn(channel int) error {
	return r.SetChannel(channel, model.ChannelFull, true, NoLowPower)
}

func (r *Relay) PowerOff(channel int) error {
	return r.SetChannel(channel, model.ChannelOff, true, NoLowPower)
}

// SetChannel sets one channel and re-sends its port. With keepPortStatus false the
// other seven channels of the port are switched OFF. A positive switchToLowAfter on
// a FULL request arms the deferred drop to HALF.
func (r *Relay) SetChannel(channel int, state model.ChannelState, keepPortStatus bool, switchToLowAfter time.Duration) error {
	port, offset, err := model.Locate(channel)
	if err != nil {
		return err
	}
	if !state.Valid() {
		return fmt.Errorf("%w: channel state %d not in {0,1,2}", model.ErrInvalidValue, int(state))
	}

	r.mu.Lock()
	values := make([]model.ChannelState, model.ChannelsPerPort)
	if keepPortStatus {
		values, _ = r.store.GetPort(port)
	}
	values[offset] = state

	changes, err := r.applyPort(port, values, model.SourceCommand)
	if err != nil {
		r.mu.Unlock()
		log.Error().Err(err).
			Str("device", r.device).
			Int("channel", channel).
			Str("state", state.String()).
			Msg("Failed to set relay channel")
		return err
	}
	r.evaluateLowPower(channel, state, switchToLowAfter)
	if !keepPortStatus {
		for i := range values {
			if i != offset {
				r.evaluateLowPower(port.Channel(i), values[i], NoLowPower)
			}
		}
	}
	r.mu.Unlock()

	r.notify(changes)
	return nil
}

// SetPort sets all eight channels of port from a digit string such as "00010012".
func (r *Relay) SetPort(port string, values string, switchToLowAfter time.Duration) error {
	p, err := model.ParsePort(port)
	if err != nil {
		return err
	}
	states, err := model.ParsePortValues(values)
	if err != nil {
		return err
	}
	return r.SetPortStates(p, states, switchToLowAfter)
}

func (r *Relay) SetPortStates(port model.Port, states []model.ChannelState, switchToLowAfter time.Duration) error {
	if port.Index() < 0 {
		return fmt.Errorf("%w: invalid port %q", model.ErrOutOfRange, port)
	}
	values := make([]model.ChannelState, model.ChannelsPerPort)
	for i, s := range states {
		if i >= model.ChannelsPerPort {
			break
		}
		if !s.Valid() {
			return fmt.Errorf("%w: channel state %d not in {0,1,2}", model.ErrInvalidValue, int(s))
		}
		values[i] = s
	}

	r.mu.Lock()
	changes, err := r.applyPort(port, values, model.SourceCommand)
	if err != nil {
		r.mu.Unlock()
		log.Error().Err(err).
			Str("device", r.device).
			Str("port", string(port)).
			Str("values", model.FormatPortValues(values)).
			Msg("Failed to set relay port")
		return err
	}
	for offset, s := range values {
		r.evaluateLowPower(port.Channel(offset), s, switchToLowAfter)
	}
	r.mu.Unlock()

	r.notify(changes)
	return nil
}

// AllOff switches every port to OFF and cancels all pending power-downs.
func (r *Relay) AllOff() error {
	var errs []error
	off := make([]model.ChannelState, model.ChannelsPerPort)
	for _, p := range model.Ports {
		if err := r.SetPortStates(p, off, NoLowPower); err != nil {
			errs = append(errs, fmt.Errorf("port %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// ReadChannel queries the device and resyncs the mirror before answering.
func (r *Relay) ReadChannel(channel int) (model.ChannelState, error) {
	port, offset, err := model.Locate(channel)
	if err != nil {
		return model.ChannelOff, err
	}
	all, err := r.sync()
	if err != nil {
		return model.ChannelOff, err
	}
	return all[port][offset], nil
}

func (r *Relay) ReadAllPorts() (map[string][]model.ChannelState, error) {
	all, err := r.sync()
	if err != nil {
		return nil, err
	}
	return byLetter(all), nil
}

// Mirror returns the last confirmed states without I/O.
func (r *Relay) Mirror() map[string][]model.ChannelState {
	return byLetter(r.store.Snapshot())
}

func (r *Relay) Cached(channel int) (model.ChannelState, error) {
	return r.store.Get(channel)
}

func (r *Relay) LowPowerPending(channel int) bool {
	return r.scheduler.Pending(channel)
}

// SetStartupPort programs the state a port takes when the box powers up.
func (r *Relay) SetStartupPort(port string, values string) error {
	p, err := model.ParsePort(port)
	if err != nil {
		return err
	}
	states, err := model.ParsePortValues(values)
	if err != nil {
		return err
	}
	cmd := setStartupCommand(p, states)
	reply, err := r.link.Exchange(cmd)
	if err != nil {
		return err
	}
	return checkOK(cmd, reply)
}

func (r *Relay) ReadStartupPort(port string) ([]model.ChannelState, error) {
	p, err := model.ParsePort(port)
	if err != nil {
		return nil, err
	}
	reply, err := r.link.Exchange(getStartupCommand(p))
	if err != nil {
		return nil, err
	}
	return parseStartupPort(p, reply)
}

// Close cancels every pending power-down. The mirror is left as is.
func (r *Relay) Close() {
	r.scheduler.Stop()
}

// applyPort sends the port word and commits it to the mirror on success. Caller holds r.mu.
func (r *Relay) applyPort(port model.Port, values []model.ChannelState, source string) ([]model.ChannelChange, error) {
	cmd := setPortCommand(port, values)
	reply, err := r.link.Exchange(cmd)
	if err != nil {
		return nil, err
	}
	if err := checkOK(cmd, reply); err != nil {
		return nil, err
	}

	previous, _ := r.store.GetPort(port)
	if err := r.store.SetPort(port, values, false); err != nil {
		return nil, err
	}
	return r.diff(port, previous, values, source), nil
}

// evaluateLowPower applies the re-arming rule for one touched channel. Caller holds r.mu.
func (r *Relay) evaluateLowPower(channel int, state model.ChannelState, after time.Duration) {
	if r.scheduler.Cancel(channel) {
		log.Debug().Str("device", r.device).Int("channel", channel).Msg("Cancelled pending low-power switch")
	}
	if state == model.ChannelFull && after > 0 {
		r.scheduler.Arm(channel, after, r.lowerPower)
		log.Debug().
			Str("device", r.device).
			Int("channel", channel).
			Dur("after", after).
			Msg("Armed low-power switch")
	}
}

func (r *Relay) lowerPower(channel int, generation uint64) {
	r.mu.Lock()
	if !r.scheduler.Claim(channel, generation) {
		r.mu.Unlock()
		return
	}
	port, offset, _ := model.Locate(channel)
	values, _ := r.store.GetPort(port)
	if values[offset] != model.ChannelFull {
		r.mu.Unlock()
		return
	}
	values[offset] = model.ChannelHalf

	changes, err := r.applyPort(port, values, model.SourceTimer)
	r.mu.Unlock()
	if err != nil {
		log.Error().Err(err).
			Str("device", r.device).
			Int("channel", channel).
			Msg("Failed to switch relay channel to low power")
		return
	}

	log.Info().Str("device", r.device).Int("channel", channel).Msg("Relay channel switched to low power")
	r.notify(changes)
}

func (r *Relay) sync() (map[model.Port][]model.ChannelState, error) {
	r.mu.Lock()
	reply, err := r.link.Exchange(getAllPortsCommand())
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	all, err := parseAllPorts(reply)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	var changes []model.ChannelChange
	for _, p := range model.Ports {
		previous, _ := r.store.GetPort(p)
		_ = r.store.SetPort(p, all[p], false)
		changes = append(changes, r.diff(p, previous, all[p], model.SourceSync)...)
	}
	r.mu.Unlock()

	r.notify(changes)
	return all, nil
}

func (r *Relay) diff(port model.Port, previous, current []model.ChannelState, source string) []model.ChannelChange {
	var changes []model.ChannelChange
	at := r.now()
	for i := range current {
		if previous[i] == current[i] {
			continue
		}
		changes = append(changes, model.ChannelChange{
			Device:   r.device,
			Channel:  port.Channel(i),
			Previous: previous[i],
			Current:  current[i],
			Source:   source,
			At:       at,
		})
	}
	return changes
}

func (r *Relay) notify(changes []model.ChannelChange) {
	if len(changes) == 0 {
		return
	}
	r.obsMu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.obsMu.RUnlock()

	for _, c := range changes {
		for _, o := range observers {
			o.ObserveChange(c)
		}
	}
}

func byLetter(all map[model.Port][]model.ChannelState) map[string][]model.ChannelState {
	out := make(map[string][]model.ChannelState, len(all))
	for p, states := range all {
		out[string(p)] = states
	}
	return out
}
