package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/db"
	"github.com/thatsimonsguy/switchbox-controller/internal/api"
	"github.com/thatsimonsguy/switchbox-controller/internal/config"
	"github.com/thatsimonsguy/switchbox-controller/internal/datadog"
	"github.com/thatsimonsguy/switchbox-controller/internal/env"
	"github.com/thatsimonsguy/switchbox-controller/internal/logging"
	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/monitor"
	"github.com/thatsimonsguy/switchbox-controller/internal/mqtt"
	"github.com/thatsimonsguy/switchbox-controller/internal/notifications"
	"github.com/thatsimonsguy/switchbox-controller/internal/registry"
	"github.com/thatsimonsguy/switchbox-controller/internal/seriallink"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox"
	"github.com/thatsimonsguy/switchbox-controller/internal/valve"
	"github.com/thatsimonsguy/switchbox-controller/system/shutdown"
	"github.com/thatsimonsguy/switchbox-controller/system/startup"
)

func main() {
	cfg := config.Load()
	env.Cfg = &cfg

	logging.Init(cfg.LogLevel, cfg.LogFile)
	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("db", cfg.DBPath).
		Int("devices", len(cfg.Devices)).
		Int("valves", len(cfg.Valves)).
		Msg("Starting switch box controller")

	datadog.InitMetrics()
	notifications.Init()
	if !notifications.Enabled() {
		log.Info().Msg("No ntfy topic configured, link alerts go to the log only")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open database")
	}
	defer database.Close()

	bindings := make([]model.ValveBinding, 0, len(cfg.Valves))
	for _, v := range cfg.Valves {
		bindings = append(bindings, v.Binding())
	}
	if err := db.SeedValves(database, bindings); err != nil {
		shutdown.ShutdownWithError(err, "Failed to seed valves")
	}

	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)
	journal := db.NewJournal(database)

	var publisher *mqtt.Publisher
	if cfg.MQTTBroker != "" {
		client, err := mqtt.NewClient(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTTBroker).Msg("MQTT unavailable, state will not be published")
		} else {
			publisher = mqtt.NewPublisher(client, cfg.MQTTTopicPrefix)
			shutdown.AfterClose(publisher.Close)
		}
	}

	relays := registry.New[*switchbox.Relay]()
	boxes := make([]*switchbox.Box, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		box, err := switchbox.Open(d.Name, seriallink.Config{Port: d.SerialPort}, switchbox.Options{DACMaxVolts: d.DACMaxVolts})
		if err != nil {
			shutdown.ShutdownWithError(err, "Failed to open switch box")
		}
		shutdown.Register(box)

		if err := box.Initialize(); err != nil {
			shutdown.ShutdownWithError(err, "Failed to initialize switch box")
		}
		if err := startup.ApplyStartupDefaults(box, d.StartupPorts); err != nil {
			log.Warn().Err(err).Str("device", d.Name).Msg("Failed to apply startup defaults")
		}

		box.Relay.AddObserver(journal)
		box.Relay.AddObserver(metrics)
		if publisher != nil {
			box.Relay.AddObserver(publisher)
		}
		if err := relays.Register(registry.Key(d.Name, switchbox.RelayComponent), box.Relay); err != nil {
			shutdown.ShutdownWithError(err, "Failed to register relay")
		}

		boxes = append(boxes, box)
		shutdown.BeforeClose(monitor.RunLinkMonitor(box, cfg.PollInterval(), metrics))
	}
	log.Info().Strs("relays", relays.Keys()).Msg("Relays registered")

	valves := make([]*valve.Valve, 0, len(bindings))
	for _, b := range bindings {
		v, err := valve.Bind(relays, b)
		if err != nil {
			shutdown.ShutdownWithError(err, "Failed to bind valve")
		}
		v.AddObserver(journal)
		if publisher != nil {
			v.AddObserver(publisher)
		}
		valves = append(valves, v)
	}

	server := api.NewServer(database, boxes, valves, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			shutdown.ShutdownWithError(err, "API server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("Shutting down")
	shutdown.Shutdown()
}
