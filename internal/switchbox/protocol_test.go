package switchbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

func states(digits string) []model.ChannelState {
	s, err := model.ParsePortValues(digits)
	if err != nil {
		panic(err)
	}
	return s
}

func TestEncodePort(t *testing.T) {
	assert.Equal(t, uint16(0), EncodePort(states("00000000")))
	// channel offset 0 FULL: power1 and power2 bit 0
	assert.Equal(t, uint16(0x0101), EncodePort(states("20000000")))
	// offset 3 HALF, offset 6 HALF, offset 7 FULL
	assert.Equal(t, uint16(0xc880), EncodePort(states("00010012")))
	assert.Equal(t, uint16(0xffff), EncodePort(states("22222222")))
}

func TestDecodePortInvertsEncode(t *testing.T) {
	for _, digits := range []string{"00000000", "00010012", "21021021", "22222222", "11111111"} {
		assert.Equal(t, states(digits), DecodePort(EncodePort(states(digits))), digits)
	}
}

func TestDecodePortPower2WithoutPower1(t *testing.T) {
	// A lone power2 bit still counts as one level.
	assert.Equal(t, model.ChannelHalf, DecodePort(0x0001)[0])
}

func TestCommandText(t *testing.T) {
	assert.Equal(t, "set a:257", setPortCommand(model.PortA, states("20000000")).Text)
	assert.Equal(t, "get abcd", getAllPortsCommand().Text)
	assert.Equal(t, "set startc:0", setStartupCommand(model.PortC, states("00000000")).Text)
	assert.Equal(t, "get startb", getStartupCommand(model.PortB).Text)
	assert.Equal(t, "set dac2:2048", setDACCommand(2, 2048).Text)
	assert.Equal(t, "get dac1", getDACCommand(1).Text)
	assert.Equal(t, "get adcx", getADCCommand().Text)
	assert.Equal(t, "get ver", versionCommand().Text)
}

func TestCheckOK(t *testing.T) {
	cmd := setPortCommand(model.PortA, states("00000000"))
	assert.NoError(t, checkOK(cmd, "OK"))
	assert.NoError(t, checkOK(cmd, "OK set a"))
	assert.ErrorIs(t, checkOK(cmd, "ERROR"), model.ErrTransportFailure)
	assert.ErrorIs(t, checkOK(cmd, ""), model.ErrTransportFailure)
}

func TestParseAllPorts(t *testing.T) {
	all, err := parseAllPorts("a:257, b:0, c:51328, d:65535")
	require.NoError(t, err)
	assert.Equal(t, states("20000000"), all[model.PortA])
	assert.Equal(t, states("00000000"), all[model.PortB])
	assert.Equal(t, states("00010012"), all[model.PortC])
	assert.Equal(t, states("22222222"), all[model.PortD])
}

func TestParseAllPortsRejectsBadReplies(t *testing.T) {
	for _, reply := range []string{
		"",
		"garbage",
		"a:1, b:2, c:3",
		"a:1, b:2, c:3, d:70000",
		"a:1, b:2, c:3, e:4",
		"a:x, b:2, c:3, d:4",
	} {
		_, err := parseAllPorts(reply)
		assert.ErrorIs(t, err, model.ErrMalformedResponse, reply)
	}
}

func TestParseStartupPort(t *testing.T) {
	s, err := parseStartupPort(model.PortB, "startb:257")
	require.NoError(t, err)
	assert.Equal(t, states("20000000"), s)

	s, err = parseStartupPort(model.PortB, "b: 0")
	require.NoError(t, err)
	assert.Equal(t, states("00000000"), s)

	_, err = parseStartupPort(model.PortB, "starta:0")
	assert.ErrorIs(t, err, model.ErrMalformedResponse)
}

func TestParseADC(t *testing.T) {
	all, err := parseADC("ADC1:1.250;ADC2:0.000; ADC8:4.998")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, all["ADC1"], 1e-9)
	assert.InDelta(t, 0, all["ADC2"], 1e-9)
	assert.InDelta(t, 4.998, all["ADC8"], 1e-9)

	all, err = parseADC("adc3:2.5")
	require.NoError(t, err)
	assert.Contains(t, all, "ADC3")

	_, err = parseADC("")
	assert.ErrorIs(t, err, model.ErrMalformedResponse)
	_, err = parseADC("ADC1=2")
	assert.ErrorIs(t, err, model.ErrMalformedResponse)
	_, err = parseADC("ADC1:high")
	assert.ErrorIs(t, err, model.ErrMalformedResponse)
}

func TestParseDAC(t *testing.T) {
	raw, err := parseDAC("dac1:2048")
	require.NoError(t, err)
	assert.Equal(t, 2048, raw)

	_, err = parseDAC("dac1:4096")
	assert.ErrorIs(t, err, model.ErrMalformedResponse)
	_, err = parseDAC("nothing")
	assert.ErrorIs(t, err, model.ErrMalformedResponse)
}

func TestVoltsToRaw(t *testing.T) {
	assert.Equal(t, 0, VoltsToRaw(0))
	assert.Equal(t, 2048, VoltsToRaw(5))
	assert.Equal(t, 4095, VoltsToRaw(10))
	assert.Equal(t, 409, VoltsToRaw(1))
	assert.InDelta(t, 0.99853515625, RawToVolts(409), 1e-12)
}
