package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/datadog"
	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/notifications"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox"
)

var (
	gauge      = datadog.Gauge
	incr       = datadog.Incr
	notifyDown = notifications.LinkDown
	notifyUp   = notifications.LinkUp
)

type linkState struct {
	known bool
	up    bool
}

// RunLinkMonitor polls box every interval, resyncing the relay mirror and
// publishing channel, analog and link health metrics. m may be nil. The returned
// func stops the loop and waits for an in-flight poll to finish.
func RunLinkMonitor(box *switchbox.Box, interval time.Duration, m *Metrics) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(stopped)
		log.Info().Str("device", box.Name).Dur("interval", interval).Msg("Starting link monitor")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		st := &linkState{}
		for {
			select {
			case <-done:
				log.Info().Str("device", box.Name).Msg("Link monitor stopped")
				return
			case <-ticker.C:
				pollOnce(box, st, m)
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}

func pollOnce(box *switchbox.Box, st *linkState, m *Metrics) {
	ports, err := box.Relay.ReadAllPorts()
	if err == nil {
		var volts map[string]float64
		volts, err = box.ADC.ReadAll()
		if err == nil {
			emitReadings(box.Name, ports, volts, m)
		}
	}

	up := err == nil
	deviceTag := "device:" + box.Name
	gauge("link.up", boolGauge(up), deviceTag)
	if m != nil {
		m.setLink(box.Name, up)
	}

	switch {
	case !up && (!st.known || st.up):
		log.Error().Err(err).Str("device", box.Name).Str("port", box.Port).Msg("Switch box not responding")
		notifyDown(box.Name, box.Port, err)
	case up && st.known && !st.up:
		log.Info().Str("device", box.Name).Str("port", box.Port).Msg("Switch box responding again")
		notifyUp(box.Name, box.Port)
	case !up:
		log.Debug().Err(err).Str("device", box.Name).Msg("Switch box still not responding")
	}
	st.known = true
	st.up = up
}

func emitReadings(device string, ports map[string][]model.ChannelState, volts map[string]float64, m *Metrics) {
	deviceTag := "device:" + device
	for _, p := range model.Ports {
		for offset, state := range ports[string(p)] {
			channel := p.Channel(offset)
			gauge("relay.channel_state", float64(state), deviceTag, fmt.Sprintf("channel:%d", channel))
			if m != nil {
				m.setChannel(device, channel, state)
			}
		}
	}
	for input, v := range volts {
		gauge("adc.volts", v, deviceTag, "input:"+input)
		if m != nil {
			m.setAnalog(device, input, v)
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
