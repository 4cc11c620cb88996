package switchbox

import (
	"sync"
	"time"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

// NoLowPower disables the automatic FULL to HALF transition.
const NoLowPower time.Duration = -1

// LowPowerAfter converts the external seconds value, where -1 means disabled.
func LowPowerAfter(seconds float64) time.Duration {
	if seconds <= 0 {
		return NoLowPower
	}
	return time.Duration(seconds * float64(time.Second))
}

type lowPowerSlot struct {
	generation uint64
	timer      *time.Timer
}

// PowerScheduler holds at most one deferred power-down per channel. Every arm or
// cancel bumps the channel generation; a firing timer only counts when its
// captured generation is still current, and claiming it bumps the generation
// again so a second delivery is a no-op.
type PowerScheduler struct {
	mu      sync.Mutex
	slots   [model.ChannelCount]lowPowerSlot
	stopped bool
}

func NewPowerScheduler() *PowerScheduler {
	return &PowerScheduler{}
}

// Arm replaces any pending timer on channel with one that calls fire after delay.
func (s *PowerScheduler) Arm(channel int, delay time.Duration, fire func(channel int, generation uint64)) uint64 {
	if model.ValidateChannel(channel) != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}

	slot := &s.slots[channel-1]
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.generation++
	gen := slot.generation
	slot.timer = time.AfterFunc(delay, func() { fire(channel, gen) })
	return gen
}

// Cancel drops the pending timer for channel and reports whether one existed.
func (s *PowerScheduler) Cancel(channel int) bool {
	if model.ValidateChannel(channel) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := &s.slots[channel-1]
	slot.generation++
	if slot.timer == nil {
		return false
	}
	slot.timer.Stop()
	slot.timer = nil
	return true
}

// Claim consumes a firing. It reports false when generation is stale.
func (s *PowerScheduler) Claim(channel int, generation uint64) bool {
	if model.ValidateChannel(channel) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := &s.slots[channel-1]
	if s.stopped || slot.timer == nil || slot.generation != generation {
		return false
	}
	slot.generation++
	slot.timer = nil
	return true
}

func (s *PowerScheduler) Pending(channel int) bool {
	if model.ValidateChannel(channel) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[channel-1].timer != nil
}

// Stop cancels every pending timer; later Arm calls are ignored.
func (s *PowerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for i := range s.slots {
		if s.slots[i].timer != nil {
			s.slots[i].timer.Stop()
			s.slots[i].timer = nil
		}
		s.slots[i].generation++
	}
}
