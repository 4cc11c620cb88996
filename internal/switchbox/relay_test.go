package switchbox

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox/switchboxtest"
)

type recorder struct {
	mu      sync.Mutex
	changes []model.ChannelChange
}

func (r *recorder) ObserveChange(c model.ChannelChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []model.ChannelChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ChannelChange(nil), r.changes...)
}

func newTestRelay(t *testing.T) (*Relay, *switchboxtest.Device) {
	t.Helper()
	dev := switchboxtest.NewDevice()
	r := NewRelay("box1", RelayComponent, dev)
	t.Cleanup(r.Close)
	return r, dev
}

func TestRelayPowerOnOffRoundTrip(t *testing.T) {
	r, dev := newTestRelay(t)

	for ch := 1; ch <= model.ChannelCount; ch++ {
		require.NoError(t, r.PowerOn(ch))
		state, err := r.ReadChannel(ch)
		require.NoError(t, err)
		assert.Equal(t, model.ChannelFull, state, "channel %d", ch)
		assert.Equal(t, model.ChannelFull, dev.ChannelState(ch))
	}
	for ch := 1; ch <= model.ChannelCount; ch++ {
		require.NoError(t, r.PowerOff(ch))
		state, err := r.ReadChannel(ch)
		require.NoError(t, err)
		assert.Equal(t, model.ChannelOff, state, "channel %d", ch)
	}
}

func TestRelayPowerOnSendsPortWord(t *testing.T) {
	r, dev := newTestRelay(t)
	require.NoError(t, r.PowerOn(9))

	assert.Equal(t, []string{"set b:257"}, dev.Commands())
	assert.Equal(t, uint16(0x0101), dev.PortWord(model.PortB))
}

func TestRelayOutOfRangeLeavesMirrorUnchanged(t *testing.T) {
	r, dev := newTestRelay(t)
	require.NoError(t, r.PowerOn(4))
	before := r.Mirror()
	dev.ResetCommands()

	for _, ch := range []int{0, 33, -1, 100} {
		assert.ErrorIs(t, r.PowerOn(ch), model.ErrOutOfRange)
		assert.ErrorIs(t, r.PowerOff(ch), model.ErrOutOfRange)
		_, err := r.ReadChannel(ch)
		assert.ErrorIs(t, err, model.ErrOutOfRange)
	}
	assert.ErrorIs(t, r.SetChannel(4, model.ChannelState(7), true, NoLowPower), model.ErrInvalidValue)

	assert.Equal(t, before, r.Mirror())
	assert.Empty(t, dev.Commands())
}

func TestRelaySetChannelKeepPortStatus(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.SetPort("a", "22222222", NoLowPower))

	require.NoError(t, r.SetChannel(2, model.ChannelHalf, true, NoLowPower))
	assert.Equal(t, states("21222222"), r.Mirror()["a"])

	require.NoError(t, r.SetChannel(3, model.ChannelFull, false, NoLowPower))
	assert.Equal(t, states("00200000"), r.Mirror()["a"])
}

func TestRelaySetPort(t *testing.T) {
	r, dev := newTestRelay(t)
	require.NoError(t, r.SetPort("a", "00010012", NoLowPower))

	want := map[int]model.ChannelState{4: model.ChannelHalf, 7: model.ChannelHalf, 8: model.ChannelFull}
	for ch := 1; ch <= 8; ch++ {
		got, err := r.ReadChannel(ch)
		require.NoError(t, err)
		assert.Equal(t, want[ch], got, "channel %d", ch)
	}
	assert.Equal(t, uint16(51328), dev.PortWord(model.PortA))
}

func TestRelaySetPortShortStringClearsRest(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.SetPort("a", "22222222", NoLowPower))
	require.NoError(t, r.SetPort("A", "1", NoLowPower))

	got, err := r.ReadChannel(1)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelHalf, got)
	for ch := 2; ch <= 8; ch++ {
		got, err := r.ReadChannel(ch)
		require.NoError(t, err)
		assert.Equal(t, model.ChannelOff, got, "channel %d", ch)
	}
}

func TestRelaySetPortValidation(t *testing.T) {
	r, dev := newTestRelay(t)
	assert.ErrorIs(t, r.SetPort("e", "0", NoLowPower), model.ErrOutOfRange)
	assert.ErrorIs(t, r.SetPort("a", "0030", NoLowPower), model.ErrInvalidValue)
	assert.ErrorIs(t, r.SetPort("a", "0x", NoLowPower), model.ErrInvalidValue)
	assert.Empty(t, dev.Commands())
}

func TestRelayLowPowerTimer(t *testing.T) {
	r, dev := newTestRelay(t)
	rec := &recorder{}
	r.AddObserver(rec)

	require.NoError(t, r.SetChannel(5, model.ChannelFull, true, 50*time.Millisecond))
	assert.True(t, r.LowPowerPending(5))
	state, _ := r.Cached(5)
	assert.Equal(t, model.ChannelFull, state)

	time.Sleep(100 * time.Millisecond)
	got, err := r.ReadChannel(5)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelHalf, got)
	assert.Equal(t, model.ChannelHalf, dev.ChannelState(5))
	assert.False(t, r.LowPowerPending(5))

	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, model.SourceCommand, changes[0].Source)
	assert.Equal(t, model.ChannelFull, changes[0].Current)
	assert.Equal(t, model.SourceTimer, changes[1].Source)
	assert.Equal(t, model.ChannelFull, changes[1].Previous)
	assert.Equal(t, model.ChannelHalf, changes[1].Current)
}

func TestRelayLowPowerCancelledByLaterCommand(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.SetChannel(6, model.ChannelFull, true, 50*time.Millisecond))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.PowerOff(6))
	assert.False(t, r.LowPowerPending(6))

	time.Sleep(100 * time.Millisecond)
	got, err := r.ReadChannel(6)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelOff, got)
}

func TestRelaySetChannelClearingPortCancelsPortTimers(t *testing.T) {
	r, dev := newTestRelay(t)
	require.NoError(t, r.SetChannel(6, model.ChannelFull, true, 80*time.Millisecond))
	require.NoError(t, r.SetChannel(5, model.ChannelFull, false, NoLowPower))

	state, _ := r.Cached(6)
	assert.Equal(t, model.ChannelOff, state)
	assert.False(t, r.LowPowerPending(6))

	dev.SetChannelState(6, model.ChannelFull)
	_, err := r.ReadAllPorts()
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, model.ChannelFull, dev.ChannelState(6))
	state, _ = r.Cached(6)
	assert.Equal(t, model.ChannelFull, state)
}

func TestRelayLowPowerRearmReplacesTimer(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.SetChannel(7, model.ChannelFull, true, 40*time.Millisecond))
	require.NoError(t, r.SetChannel(7, model.ChannelFull, true, time.Hour))

	time.Sleep(80 * time.Millisecond)
	state, _ := r.Cached(7)
	assert.Equal(t, model.ChannelFull, state)
	assert.True(t, r.LowPowerPending(7))
}

func TestRelayNoTimerForHalfOrDisabled(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.SetChannel(1, model.ChannelHalf, true, 10*time.Millisecond))
	require.NoError(t, r.SetChannel(2, model.ChannelFull, true, NoLowPower))
	require.NoError(t, r.SetChannel(3, model.ChannelFull, true, 0))

	assert.False(t, r.LowPowerPending(1))
	assert.False(t, r.LowPowerPending(2))
	assert.False(t, r.LowPowerPending(3))
}

func TestRelaySetPortArmsEveryFullChannel(t *testing.T) {
	r, _ := newTestRelay(t)
	require.NoError(t, r.SetPort("b", "20020010", 30*time.Millisecond))

	assert.True(t, r.LowPowerPending(9))
	assert.True(t, r.LowPowerPending(12))
	assert.False(t, r.LowPowerPending(15))

	assert.Eventually(t, func() bool {
		return fmt.Sprint(r.Mirror()["b"]) == fmt.Sprint(states("10010010"))
	}, time.Second, 10*time.Millisecond)
}

func TestRelayTimeoutKeepsPriorState(t *testing.T) {
	r, dev := newTestRelay(t)
	dev.FailNext(1, fmt.Errorf("%w: no reply", model.ErrTimeout))

	assert.ErrorIs(t, r.PowerOn(10), model.ErrTimeout)
	state, _ := r.Cached(10)
	assert.Equal(t, model.ChannelOff, state)

	got, err := r.ReadChannel(10)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelOff, got)
}

func TestRelayFailedCommandKeepsTimer(t *testing.T) {
	r, dev := newTestRelay(t)
	require.NoError(t, r.SetChannel(11, model.ChannelFull, true, time.Hour))

	dev.FailNext(1, fmt.Errorf("%w: no reply", model.ErrTimeout))
	assert.Error(t, r.PowerOff(11))
	assert.True(t, r.LowPowerPending(11))
}

func TestRelayRejectedCommand(t *testing.T) {
	r, dev := newTestRelay(t)
	dev.Reject("set")

	assert.ErrorIs(t, r.PowerOn(1), model.ErrTransportFailure)
	state, _ := r.Cached(1)
	assert.Equal(t, model.ChannelOff, state)
}

func TestRelayReadResyncsMirror(t *testing.T) {
	r, dev := newTestRelay(t)
	rec := &recorder{}
	r.AddObserver(rec)
	dev.SetChannelState(20, model.ChannelHalf)

	got, err := r.ReadChannel(20)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelHalf, got)

	cached, _ := r.Cached(20)
	assert.Equal(t, model.ChannelHalf, cached)
	changes := rec.all()
	require.Len(t, changes, 1)
	assert.Equal(t, model.SourceSync, changes[0].Source)
	assert.Equal(t, 20, changes[0].Channel)
}

func TestRelayReadAllPorts(t *testing.T) {
	r, dev := newTestRelay(t)
	dev.SetChannelState(1, model.ChannelFull)
	dev.SetChannelState(32, model.ChannelHalf)

	all, err := r.ReadAllPorts()
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, states("20000000"), all["a"])
	assert.Equal(t, states("00000001"), all["d"])
}

func TestRelayAllOff(t *testing.T) {
	r, dev := newTestRelay(t)
	require.NoError(t, r.SetPort("a", "22222222", time.Hour))
	require.NoError(t, r.SetPort("d", "11111111", NoLowPower))

	require.NoError(t, r.AllOff())
	for _, p := range model.Ports {
		assert.Equal(t, uint16(0), dev.PortWord(p))
		assert.Equal(t, states("00000000"), r.Mirror()[string(p)])
	}
	for ch := 1; ch <= 8; ch++ {
		assert.False(t, r.LowPowerPending(ch))
	}
}

func TestRelayAllOffJoinsErrors(t *testing.T) {
	r, dev := newTestRelay(t)
	dev.Fail(fmt.Errorf("%w: unplugged", model.ErrTransportFailure))

	err := r.AllOff()
	assert.ErrorIs(t, err, model.ErrTransportFailure)
	assert.Contains(t, err.Error(), "port d")
}

func TestRelayStartupPort(t *testing.T) {
	r, dev := newTestRelay(t)
	require.NoError(t, r.SetStartupPort("c", "2001"))
	assert.Contains(t, dev.Commands(), "set startc:2305")

	got, err := r.ReadStartupPort("c")
	require.NoError(t, err)
	assert.Equal(t, states("20010000"), got)

	_, err = r.ReadStartupPort("x")
	assert.ErrorIs(t, err, model.ErrOutOfRange)
}

func TestRelayConcurrentCommands(t *testing.T) {
	r, dev := newTestRelay(t)
	dev.SetDelay(time.Millisecond)

	var wg sync.WaitGroup
	for ch := 1; ch <= 8; ch++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			assert.NoError(t, r.PowerOn(ch))
		}(ch)
	}
	wg.Wait()

	assert.Equal(t, states("22222222"), r.Mirror()["a"])
	assert.Equal(t, uint16(0xffff), dev.PortWord(model.PortA))
}
