package valve

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/registry"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox/switchboxtest"
)

type valveRecorder struct {
	events []bool
}

func (r *valveRecorder) ObserveValve(_ string, open bool) {
	r.events = append(r.events, open)
}

func newTestValve(t *testing.T, normallyOpen bool) (*Valve, *switchboxtest.Device) {
	t.Helper()
	dev := switchboxtest.NewDevice()
	relay := switchbox.NewRelay("box1", switchbox.RelayComponent, dev)
	t.Cleanup(relay.Close)

	reg := registry.New[*switchbox.Relay]()
	require.NoError(t, reg.Register("box1/relay", relay))

	v, err := Bind(reg, model.ValveBinding{
		Name:         "inlet",
		RelayRef:     "box1/relay",
		Channel:      3,
		NormallyOpen: normallyOpen,
	})
	require.NoError(t, err)
	return v, dev
}

func TestNormallyOpenValve(t *testing.T) {
	v, dev := newTestValve(t, true)

	open, err := v.IsOpen()
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, v.Close())
	assert.Equal(t, model.ChannelFull, dev.ChannelState(3))
	open, err = v.IsOpen()
	require.NoError(t, err)
	assert.False(t, open)

	require.NoError(t, v.Open())
	assert.Equal(t, model.ChannelOff, dev.ChannelState(3))
	open, _ = v.IsOpen()
	assert.True(t, open)
}

func TestNormallyClosedValve(t *testing.T) {
	v, dev := newTestValve(t, false)

	open, err := v.IsOpen()
	require.NoError(t, err)
	assert.False(t, open)

	require.NoError(t, v.Close())
	assert.Equal(t, model.ChannelOff, dev.ChannelState(3))
	open, _ = v.IsOpen()
	assert.False(t, open)

	require.NoError(t, v.Open())
	assert.Equal(t, model.ChannelFull, dev.ChannelState(3))
	open, _ = v.IsOpen()
	assert.True(t, open)
}

func TestHalfCountsAsEnergized(t *testing.T) {
	v, dev := newTestValve(t, true)
	dev.SetChannelState(3, model.ChannelHalf)

	open, err := v.IsOpen()
	require.NoError(t, err)
	assert.False(t, open)
}

func TestScheduleLowPowerWhileEnergized(t *testing.T) {
	v, dev := newTestValve(t, false)
	require.NoError(t, v.Open())

	require.NoError(t, v.ScheduleLowPower(30*time.Millisecond))
	assert.Equal(t, 30*time.Millisecond, v.LowPowerAfter())

	assert.Eventually(t, func() bool {
		return dev.ChannelState(3) == model.ChannelHalf
	}, time.Second, 5*time.Millisecond)

	open, err := v.IsOpen()
	require.NoError(t, err)
	assert.True(t, open)
}

func TestScheduleLowPowerStoredForLaterEnergize(t *testing.T) {
	v, dev := newTestValve(t, true)
	require.NoError(t, v.ScheduleLowPower(30*time.Millisecond))
	assert.Equal(t, model.ChannelOff, dev.ChannelState(3))

	require.NoError(t, v.Close())
	assert.Equal(t, model.ChannelFull, dev.ChannelState(3))
	assert.Eventually(t, func() bool {
		return dev.ChannelState(3) == model.ChannelHalf
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleLowPowerDisabled(t *testing.T) {
	v, dev := newTestValve(t, false)
	require.NoError(t, v.ScheduleLowPower(time.Hour))
	require.NoError(t, v.Open())

	require.NoError(t, v.ScheduleLowPower(-1))
	assert.Equal(t, time.Duration(-1), v.LowPowerAfter())
	assert.Equal(t, model.ChannelFull, dev.ChannelState(3))
}

func TestValveObserverAndFailure(t *testing.T) {
	v, dev := newTestValve(t, true)
	rec := &valveRecorder{}
	v.AddObserver(rec)

	require.NoError(t, v.Close())
	dev.FailNext(1, fmt.Errorf("%w: no reply", model.ErrTimeout))
	assert.ErrorIs(t, v.Open(), model.ErrTimeout)
	require.NoError(t, v.Open())

	assert.Equal(t, []bool{false, true}, rec.events)
}

func TestBindErrors(t *testing.T) {
	reg := registry.New[*switchbox.Relay]()
	_, err := Bind(reg, model.ValveBinding{Name: "x", RelayRef: "nobox/relay", Channel: 1})
	assert.ErrorContains(t, err, "not registered")

	_, err = New(model.ValveBinding{Name: "x", Channel: 40}, nil)
	assert.ErrorIs(t, err, model.ErrOutOfRange)
}
