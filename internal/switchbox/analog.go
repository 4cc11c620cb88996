package switchbox

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

// AnalogInput reads the eight 0-5 V inputs. Nothing is cached between reads.
type AnalogInput struct {
	device string
	name   string
	link   Exchanger
}

func NewAnalogInput(device, name string, link Exchanger) *AnalogInput {
	return &AnalogInput{device: device, name: name, link: link}
}

func (a *AnalogInput) Name() string {
	return a.name
}

func (a *AnalogInput) Read(channel int) (float64, error) {
	if channel < 1 || channel > ADCChannels {
		return 0, fmt.Errorf("%w: analog input %d not in [1,%d]", model.ErrOutOfRange, channel, ADCChannels)
	}
	all, err := a.ReadAll()
	if err != nil {
		return 0, err
	}
	volts, ok := all[ADCKey(channel)]
	if !ok {
		return 0, fmt.Errorf("%w: analog input %d missing from reply", model.ErrMalformedResponse, channel)
	}
	return volts, nil
}

// ReadAll returns every input keyed by channel id ("ADC1".."ADC8") from one query.
func (a *AnalogInput) ReadAll() (map[string]float64, error) {
	reply, err := a.link.Exchange(getADCCommand())
	if err != nil {
		log.Error().Err(err).Str("device", a.device).Msg("Failed to read analog inputs")
		return nil, err
	}
	return parseADC(reply)
}

// AnalogOutput drives the two 12-bit outputs.
type AnalogOutput struct {
	device   string
	name     string
	link     Exchanger
	maxVolts float64

	mu        sync.RWMutex
	setpoints [DACChannels]float64
}

// NewAnalogOutput limits setpoints to [0, maxVolts]; maxVolts outside (0, 10] means the full 10 V scale.
func NewAnalogOutput(device, name string, link Exchanger, maxVolts float64) *AnalogOutput {
	if maxVolts <= 0 || maxVolts > DACFullScale {
		maxVolts = DACFullScale
	}
	return &AnalogOutput{device: device, name: name, link: link, maxVolts: maxVolts}
}

func (a *AnalogOutput) Name() string {
	return a.name
}

func (a *AnalogOutput) MaxVolts() float64 {
	return a.maxVolts
}

func (a *AnalogOutput) Set(channel int, volts float64) error {
	if err := validateDACChannel(channel); err != nil {
		return err
	}
	if math.IsNaN(volts) || volts < 0 || volts > a.maxVolts {
		return fmt.Errorf("%w: %w: %.3f V outside [0, %.3f]", model.ErrInvalidValue, model.ErrOutOfRange, volts, a.maxVolts)
	}

	raw := VoltsToRaw(volts)
	cmd := setDACCommand(channel, raw)
	reply, err := a.link.Exchange(cmd)
	if err == nil {
		err = checkOK(cmd, reply)
	}
	if err != nil {
		log.Error().Err(err).Str("device", a.device).Int("channel", channel).Float64("volts", volts).Msg("Failed to set analog output")
		return err
	}

	a.mu.Lock()
	a.setpoints[channel-1] = RawToVolts(raw)
	a.mu.Unlock()
	return nil
}

// Read queries the output level from the device.
func (a *AnalogOutput) Read(channel int) (float64, error) {
	if err := validateDACChannel(channel); err != nil {
		return 0, err
	}
	reply, err := a.link.Exchange(getDACCommand(channel))
	if err != nil {
		return 0, err
	}
	raw, err := parseDAC(reply)
	if err != nil {
		return 0, err
	}
	return RawToVolts(raw), nil
}

// Setpoint returns the last confirmed quantized setpoint without I/O.
func (a *AnalogOutput) Setpoint(channel int) (float64, error) {
	if err := validateDACChannel(channel); err != nil {
		return 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.setpoints[channel-1], nil
}

func validateDACChannel(channel int) error {
	if channel < 1 || channel > DACChannels {
		return fmt.Errorf("%w: analog output %d not in [1,%d]", model.ErrOutOfRange, channel, DACChannels)
	}
	return nil
}
