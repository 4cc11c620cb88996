package shutdown

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/datadog"
	"github.com/thatsimonsguy/switchbox-controller/internal/env"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox"
)

var (
	mu     sync.Mutex
	boxes  []*switchbox.Box
	before []func()
	after  []func()
	once   sync.Once

	exit         = os.Exit
	closeDatadog = datadog.Close
)

// Register adds a box to be released on shutdown.
func Register(box *switchbox.Box) {
	mu.Lock()
	defer mu.Unlock()
	boxes = append(boxes, box)
}

// BeforeClose registers fn to run before any box is touched, e.g. stopping pollers.
func BeforeClose(fn func()) {
	mu.Lock()
	defer mu.Unlock()
	before = append(before, fn)
}

// AfterClose registers fn to run once every box is closed, e.g. flushing publishers.
func AfterClose(fn func()) {
	mu.Lock()
	defer mu.Unlock()
	after = append(after, fn)
}

func Shutdown() {
	shutdown(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	shutdown(1)
}

func shutdown(code int) {
	once.Do(func() {
		mu.Lock()
		tracked, beforeHooks, afterHooks := boxes, before, after
		boxes, before, after = nil, nil, nil
		mu.Unlock()

		for _, fn := range beforeHooks {
			fn()
		}

		for _, box := range tracked {
			if env.Cfg != nil && env.Cfg.PowerOffOnShutdown {
				if err := box.Relay.AllOff(); err != nil {
					log.Error().Err(err).Str("device", box.Name).Msg("Failed to switch off relay channels")
				} else {
					log.Info().Str("device", box.Name).Msg("All relay channels switched off")
				}
			}
			if err := box.Close(); err != nil {
				log.Warn().Err(err).Str("device", box.Name).Msg("Failed to close serial link")
			}
		}
		for _, fn := range afterHooks {
			fn()
		}
		closeDatadog()

		log.Info().Int("code", code).Msg("Switch box controller stopped")
	})
	exit(code)
}
