package switchbox

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/seriallink"
)

const (
	ADCChannels  = 8
	ADCMaxVolts  = 5.0
	DACChannels  = 2
	DACSteps     = 4096 // 12-bit
	DACFullScale = 10.0
)

const allPorts = "abcd"

func command(text string) seriallink.Command {
	return seriallink.Command{Text: text, ReplyLines: 1}
}

func versionCommand() seriallink.Command {
	return command("get ver")
}

func setPortCommand(port model.Port, states []model.ChannelState) seriallink.Command {
	return command(fmt.Sprintf("set %s:%d", port, EncodePort(states)))
}

func getAllPortsCommand() seriallink.Command {
	return command("get " + allPorts)
}

func setStartupCommand(port model.Port, states []model.ChannelState) seriallink.Command {
	return command(fmt.Sprintf("set start%s:%d", port, EncodePort(states)))
}

func getStartupCommand(port model.Port) seriallink.Command {
	return command(fmt.Sprintf("get start%s", port))
}

func getADCCommand() seriallink.Command {
	return command("get adcx")
}

func setDACCommand(channel, raw int) seriallink.Command {
	return command(fmt.Sprintf("set dac%d:%d", channel, raw))
}

func getDACCommand(channel int) seriallink.Command {
	return command(fmt.Sprintf("get dac%d", channel))
}

// EncodePort packs eight channel states into the 16-bit port word:
// high byte is the power1 mask, low byte the power2 mask, bit k is offset k.
func EncodePort(states []model.ChannelState) uint16 {
	var power1, power2 uint16
	for i, s := range states {
		if i >= model.ChannelsPerPort {
			break
		}
		if s.Energized() {
			power1 |= 1 << i
		}
		if s == model.ChannelFull {
			power2 |= 1 << i
		}
	}
	return power1<<8 | power2
}

func DecodePort(word uint16) []model.ChannelState {
	power1 := word >> 8
	power2 := word & 0xff
	states := make([]model.ChannelState, model.ChannelsPerPort)
	for i := range states {
		states[i] = model.ChannelState(int(power1>>i&1) + int(power2>>i&1))
	}
	return states
}

func checkOK(cmd seriallink.Command, reply string) error {
	if strings.HasPrefix(reply, "OK") {
		return nil
	}
	return fmt.Errorf("%w: device rejected %q: %q", model.ErrTransportFailure, cmd.Text, reply)
}

// parsePortWord parses "<key>:<n>" where n fits in 16 bits.
func parsePortWord(entry string) (string, uint16, error) {
	key, value, ok := strings.Cut(entry, ":")
	if !ok {
		return "", 0, fmt.Errorf("%w: port entry %q has no value", model.ErrMalformedResponse, entry)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: port entry %q: %v", model.ErrMalformedResponse, entry, err)
	}
	return strings.ToLower(strings.TrimSpace(key)), uint16(n), nil
}

func parseAllPorts(reply string) (map[model.Port][]model.ChannelState, error) {
	result := make(map[model.Port][]model.ChannelState, model.PortCount)
	for _, entry := range strings.Split(strings.ReplaceAll(reply, " ", ""), ",") {
		if entry == "" {
			continue
		}
		key, word, err := parsePortWord(entry)
		if err != nil {
			return nil, err
		}
		port, err := model.ParsePort(key)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown port %q in %q", model.ErrMalformedResponse, key, reply)
		}
		result[port] = DecodePort(word)
	}
	for _, p := range model.Ports {
		if _, ok := result[p]; !ok {
			return nil, fmt.Errorf("%w: port %s missing from %q", model.ErrMalformedResponse, p, reply)
		}
	}
	return result, nil
}

func parseStartupPort(port model.Port, reply string) ([]model.ChannelState, error) {
	key, word, err := parsePortWord(strings.ReplaceAll(reply, " ", ""))
	if err != nil {
		return nil, err
	}
	if key != "start"+string(port) && key != string(port) {
		return nil, fmt.Errorf("%w: expected start%s in %q", model.ErrMalformedResponse, port, reply)
	}
	return DecodePort(word), nil
}

// ADCKey is the channel id used in ReadAll results.
func ADCKey(channel int) string {
	return fmt.Sprintf("ADC%d", channel)
}

func parseADC(reply string) (map[string]float64, error) {
	result := make(map[string]float64, ADCChannels)
	for _, entry := range strings.Split(strings.ReplaceAll(reply, " ", ""), ";") {
		if entry == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("%w: adc entry %q has no value", model.ErrMalformedResponse, entry)
		}
		digits := strings.TrimLeftFunc(key, func(r rune) bool { return r < '0' || r > '9' })
		ch, err := strconv.Atoi(digits)
		if err != nil {
			return nil, fmt.Errorf("%w: adc key %q", model.ErrMalformedResponse, key)
		}
		volts, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: adc value %q: %v", model.ErrMalformedResponse, entry, err)
		}
		result[ADCKey(ch)] = volts
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no adc readings in %q", model.ErrMalformedResponse, reply)
	}
	return result, nil
}

func parseDAC(reply string) (int, error) {
	i := strings.LastIndex(reply, ":")
	if i < 0 {
		return 0, fmt.Errorf("%w: dac reply %q", model.ErrMalformedResponse, reply)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(reply[i+1:]))
	if err != nil || raw < 0 || raw >= DACSteps {
		return 0, fmt.Errorf("%w: dac reply %q", model.ErrMalformedResponse, reply)
	}
	return raw, nil
}

// VoltsToRaw quantizes a DAC voltage onto the 12-bit scale.
func VoltsToRaw(volts float64) int {
	raw := int(math.Floor(volts * DACSteps / DACFullScale))
	if raw >= DACSteps {
		raw = DACSteps - 1
	}
	if raw < 0 {
		raw = 0
	}
	return raw
}

func RawToVolts(raw int) float64 {
	return float64(raw) * DACFullScale / DACSteps
}
