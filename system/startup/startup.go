package startup

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/env"
	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox"
)

// ApplyStartupDefaults programs the power-on state of each listed port,
// skipping ports whose stored default already matches.
func ApplyStartupDefaults(box *switchbox.Box, ports map[string]string) error {
	letters := make([]string, 0, len(ports))
	for p := range ports {
		letters = append(letters, p)
	}
	sort.Strings(letters)

	for _, p := range letters {
		want, err := model.ParsePortValues(ports[p])
		if err != nil {
			return fmt.Errorf("startup default for %s port %s: %w", box.Name, p, err)
		}
		current, err := box.Relay.ReadStartupPort(p)
		if err != nil {
			return fmt.Errorf("read startup default for %s port %s: %w", box.Name, p, err)
		}
		if model.FormatPortValues(current) == model.FormatPortValues(want) {
			continue
		}
		if err := box.Relay.SetStartupPort(p, ports[p]); err != nil {
			return fmt.Errorf("write startup default for %s port %s: %w", box.Name, p, err)
		}
		log.Info().
			Str("device", box.Name).
			Str("port", p).
			Str("values", model.FormatPortValues(want)).
			Msg("Startup default programmed")
	}
	return nil
}

func InstallService() error {
	unit := fmt.Sprintf(`[Unit]
Description=Switch box controller
After=network.target

[Service]
Type=simple
ExecStart=%s -config-file %s -db %s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, env.Cfg.ServiceExec, env.Cfg.ConfigFile, env.Cfg.DBPath)

	return os.WriteFile(env.Cfg.ServicePath, []byte(unit), 0644)
}
