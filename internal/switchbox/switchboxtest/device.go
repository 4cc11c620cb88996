// Package switchboxtest provides an in-memory switch box that speaks the serial
// command set, for tests of code built on the switchbox package.
package switchboxtest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/seriallink"
)

type Device struct {
	mu sync.Mutex

	Version string
	ports   [model.PortCount]uint16
	startup [model.PortCount]uint16
	adc     [8]float64
	dac     [2]int

	commands []string
	err      error
	failNext int
	reject   string
	delay    time.Duration
	closed   bool
}

func NewDevice() *Device {
	return &Device{Version: "SwitchBox MPIKG v1.2"}
}

// Fail makes every exchange return err until Recover is called.
func (d *Device) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
	d.failNext = -1
}

// FailNext makes the next n exchanges return err.
func (d *Device) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
	d.failNext = n
}

func (d *Device) Recover() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = nil
	d.failNext = 0
}

// Reject answers commands starting with prefix with an ERROR line.
func (d *Device) Reject(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject = prefix
}

func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *Device) ResetCommands() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
}

// PortWord returns the raw 16-bit word last written to port.
func (d *Device) PortWord(port model.Port) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[port.Index()]
}

// ChannelState returns the hardware state of a channel.
func (d *Device) ChannelState(channel int) model.ChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	port, offset, err := model.Locate(channel)
	if err != nil {
		return model.ChannelOff
	}
	word := d.ports[port.Index()]
	return model.ChannelState(int(word>>(8+offset)&1) + int(word>>offset&1))
}

// SetChannelState changes the hardware state behind the controller's back.
func (d *Device) SetChannelState(channel int, state model.ChannelState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	port, offset, err := model.Locate(channel)
	if err != nil {
		return
	}
	word := d.ports[port.Index()]
	word &^= 1<<(8+offset) | 1<<offset
	if state.Energized() {
		word |= 1 << (8 + offset)
	}
	if state == model.ChannelFull {
		word |= 1 << offset
	}
	d.ports[port.Index()] = word
}

func (d *Device) SetADC(channel int, volts float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adc[channel-1] = volts
}

func (d *Device) DACRaw(channel int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dac[channel-1]
}

func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) Exchange(cmd seriallink.Command) (string, error) {
	d.mu.Lock()
	delay := d.delay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd.Text)

	if d.closed {
		return "", fmt.Errorf("%w: device closed", model.ErrTransportFailure)
	}
	if d.err != nil && d.failNext != 0 {
		err := d.err
		if d.failNext > 0 {
			d.failNext--
			if d.failNext == 0 {
				d.err = nil
			}
		}
		return "", err
	}
	if d.reject != "" && strings.HasPrefix(cmd.Text, d.reject) {
		return "ERROR: command rejected", nil
	}
	return d.handle(cmd.Text), nil
}

func (d *Device) handle(text string) string {
	verb, arg, _ := strings.Cut(text, " ")
	switch verb {
	case "get":
		return d.get(arg)
	case "set":
		target, value, ok := strings.Cut(arg, ":")
		if !ok {
			return "ERROR: missing value"
		}
		return d.set(target, value)
	default:
		return "ERROR: unknown command"
	}
}

func (d *Device) get(target string) string {
	switch {
	case target == "ver":
		return d.Version
	case target == "abcd":
		return fmt.Sprintf("a:%d, b:%d, c:%d, d:%d", d.ports[0], d.ports[1], d.ports[2], d.ports[3])
	case target == "adcx":
		parts := make([]string, len(d.adc))
		for i, v := range d.adc {
			parts[i] = fmt.Sprintf("ADC%d:%.3f", i+1, v)
		}
		return strings.Join(parts, ";")
	case strings.HasPrefix(target, "start"):
		if i := portIndex(strings.TrimPrefix(target, "start")); i >= 0 {
			return fmt.Sprintf("%s:%d", target, d.startup[i])
		}
	case strings.HasPrefix(target, "dac"):
		if ch, err := strconv.Atoi(strings.TrimPrefix(target, "dac")); err == nil && ch >= 1 && ch <= len(d.dac) {
			return fmt.Sprintf("%s:%d", target, d.dac[ch-1])
		}
	default:
		if i := portIndex(target); i >= 0 {
			return fmt.Sprintf("%s:%d", target, d.ports[i])
		}
	}
	return "ERROR: unknown target"
}

func (d *Device) set(target, value string) string {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n > 65535 {
		return "ERROR: bad value"
	}
	switch {
	case strings.HasPrefix(target, "start"):
		if i := portIndex(strings.TrimPrefix(target, "start")); i >= 0 {
			d.startup[i] = uint16(n)
			return "OK"
		}
	case strings.HasPrefix(target, "dac"):
		ch, err := strconv.Atoi(strings.TrimPrefix(target, "dac"))
		if err == nil && ch >= 1 && ch <= len(d.dac) && n < 4096 {
			d.dac[ch-1] = n
			return "OK"
		}
	default:
		if i := portIndex(target); i >= 0 {
			d.ports[i] = uint16(n)
			return "OK"
		}
	}
	return "ERROR: unknown target"
}

func portIndex(letter string) int {
	return model.Port(letter).Index()
}
