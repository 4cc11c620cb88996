package switchbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/seriallink"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox/switchboxtest"
)

func TestBoxOpenInitialize(t *testing.T) {
	dev := switchboxtest.NewDevice()
	dev.SetChannelState(3, model.ChannelFull)

	orig := openLink
	defer func() { openLink = orig }()
	var opened string
	openLink = func(cfg seriallink.Config) (Conn, error) {
		opened = cfg.Port
		return dev, nil
	}

	box, err := Open("box1", seriallink.Config{Port: "/dev/ttyUSB0"}, Options{DACMaxVolts: 5})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", opened)
	assert.Equal(t, "/dev/ttyUSB0", box.Port)
	assert.Equal(t, 5.0, box.DAC.MaxVolts())

	require.NoError(t, box.Initialize())
	assert.Equal(t, dev.Version, box.Version)
	assert.Equal(t, []string{"get ver", "get abcd"}, dev.Commands())

	state, err := box.Relay.Cached(3)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelFull, state)

	require.NoError(t, box.Close())
	assert.True(t, dev.Closed())
}

func TestBoxOpenFailure(t *testing.T) {
	orig := openLink
	defer func() { openLink = orig }()
	openLink = func(seriallink.Config) (Conn, error) {
		return nil, errors.New("no such device")
	}

	_, err := Open("box1", seriallink.Config{Port: "/dev/missing"}, Options{})
	assert.ErrorContains(t, err, "box1")
}

func TestBoxInitializeFailure(t *testing.T) {
	dev := switchboxtest.NewDevice()
	box := New("box1", dev, Options{})

	dev.FailNext(1, fmt.Errorf("%w: no reply", model.ErrTimeout))
	assert.ErrorIs(t, box.Initialize(), model.ErrTimeout)

	require.NoError(t, box.Initialize())
	assert.Equal(t, dev.Version, box.Version)
}

func TestBoxComponentsShareLink(t *testing.T) {
	dev := switchboxtest.NewDevice()
	box := New("box1", dev, Options{})

	require.NoError(t, box.Relay.PowerOn(1))
	require.NoError(t, box.DAC.Set(1, 1))
	_, err := box.ADC.Read(1)
	require.NoError(t, err)

	assert.Equal(t, []string{"set a:257", "set dac1:409", "get adcx"}, dev.Commands())
	assert.Equal(t, RelayComponent, box.Relay.Name())
	assert.Equal(t, "box1", box.Relay.Device())
}
