// Package switchbox drives the MPIKG electronic switch box: a 32-channel relay
// bank in four ports, eight analog inputs and two analog outputs, all behind one
// serial link.
package switchbox

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/seriallink"
)

const (
	RelayComponent = "relay"
	ADCComponent   = "adc"
	DACComponent   = "dac"
)

// Conn is a serial link that can be closed at the end of the session.
type Conn interface {
	Exchanger
	io.Closer
}

var openLink = func(cfg seriallink.Config) (Conn, error) {
	return seriallink.Open(cfg)
}

type Options struct {
	DACMaxVolts float64
}

// Box groups the components sharing one link.
type Box struct {
	Name    string
	Port    string
	Version string

	conn  Conn
	Relay *Relay
	ADC   *AnalogInput
	DAC   *AnalogOutput
}

func Open(name string, cfg seriallink.Config, opts Options) (*Box, error) {
	conn, err := openLink(cfg)
	if err != nil {
		return nil, fmt.Errorf("open switch box %s: %w", name, err)
	}
	b := New(name, conn, opts)
	b.Port = cfg.Port
	return b, nil
}

func New(name string, conn Conn, opts Options) *Box {
	return &Box{
		Name:  name,
		conn:  conn,
		Relay: NewRelay(name, RelayComponent, conn),
		ADC:   NewAnalogInput(name, ADCComponent, conn),
		DAC:   NewAnalogOutput(name, DACComponent, conn, opts.DACMaxVolts),
	}
}

// Initialize reads the firmware version and loads the relay mirror from the device.
func (b *Box) Initialize() error {
	version, err := b.conn.Exchange(versionCommand())
	if err != nil {
		return fmt.Errorf("read version of %s: %w", b.Name, err)
	}
	b.Version = version

	if _, err := b.Relay.ReadAllPorts(); err != nil {
		return fmt.Errorf("read relay state of %s: %w", b.Name, err)
	}

	log.Info().
		Str("device", b.Name).
		Str("port", b.Port).
		Str("version", b.Version).
		Msg("Connected to switch box")
	return nil
}

func (b *Box) Close() error {
	b.Relay.Close()
	return b.conn.Close()
}
