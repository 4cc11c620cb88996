package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/registry"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox"
)

type Device struct {
	Name        string  `json:"name" yaml:"name"`
	SerialPort  string  `json:"serial_port" yaml:"serial_port"`
	DACMaxVolts float64 `json:"dac_max_volts" yaml:"dac_max_volts"`

	// StartupPorts maps a port letter to the digit string the box applies at power-up.
	StartupPorts map[string]string `json:"startup_ports" yaml:"startup_ports"`
}

type Valve struct {
	Name                 string  `json:"name" yaml:"name"`
	Relay                string  `json:"relay" yaml:"relay"`
	Channel              int     `json:"channel" yaml:"channel"`
	NormallyOpen         bool    `json:"normally_open" yaml:"normally_open"`
	LowPowerAfterSeconds float64 `json:"low_power_after_seconds" yaml:"low_power_after_seconds"`
}

func (v Valve) Binding() model.ValveBinding {
	return model.ValveBinding{
		Name:          v.Name,
		RelayRef:      v.Relay,
		Channel:       v.Channel,
		NormallyOpen:  v.NormallyOpen,
		LowPowerAfter: switchbox.LowPowerAfter(v.LowPowerAfterSeconds),
	}
}

type Config struct {
	ConfigFile string        `json:"-" yaml:"-"`
	DBPath     string        `json:"-" yaml:"-"`
	LogFile    string        `json:"-" yaml:"-"`
	LogLevel   zerolog.Level `json:"-" yaml:"-"`

	Devices []Device `json:"devices" yaml:"devices"`
	Valves  []Valve  `json:"valves" yaml:"valves"`

	APIPort             int  `json:"api_port" yaml:"api_port"`
	PollIntervalSeconds int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	PowerOffOnShutdown  bool `json:"power_off_on_shutdown" yaml:"power_off_on_shutdown"`

	EnableDatadog bool     `json:"enable_datadog" yaml:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr" yaml:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace" yaml:"dd_namespace"`
	DDTags        []string `json:"dd_tags" yaml:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic" yaml:"ntfy_topic"`

	MQTTBroker      string `json:"mqtt_broker" yaml:"mqtt_broker"`
	MQTTClientID    string `json:"mqtt_client_id" yaml:"mqtt_client_id"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix" yaml:"mqtt_topic_prefix"`

	ServicePath string `json:"service_path" yaml:"service_path"`
	ServiceExec string `json:"service_exec" yaml:"service_exec"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file (.json, .yaml or .yml)")
	flag.StringVar(&cfg.DBPath, "db", "data/switchbox.db", "Path to sqlite database")
	flag.StringVar(&cfg.LogFile, "log-file", "/var/log/switchbox-controller.log", "Path to log file, empty for stdout only")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = ParseLogLevel(logLevel)

	if err := cfg.decodeFile(cfg.ConfigFile); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (cfg *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return cfg.decode(filepath.Ext(path), data)
}

func (cfg *Config) decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.UnmarshalStrict(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 30
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "switchbox-controller"
	}
	if cfg.MQTTTopicPrefix == "" {
		cfg.MQTTTopicPrefix = "switchbox"
	}
	if cfg.ServicePath == "" {
		cfg.ServicePath = "/etc/systemd/system/switchbox-controller.service"
	}
	if cfg.ServiceExec == "" {
		cfg.ServiceExec = "/usr/local/bin/switchbox-controller"
	}
}

func (cfg Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

func ParseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() {
	var problems []string

	if len(cfg.Devices) == 0 {
		problems = append(problems, "no devices configured")
	}

	devices := map[string]bool{}
	ports := map[string]string{}
	for i, d := range cfg.Devices {
		switch {
		case d.Name == "":
			problems = append(problems, fmt.Sprintf("devices[%d] has no name", i))
			continue
		case strings.Contains(d.Name, "/"):
			problems = append(problems, fmt.Sprintf("device name %q contains '/'", d.Name))
		case devices[d.Name]:
			problems = append(problems, fmt.Sprintf("device %q defined twice", d.Name))
		}
		devices[d.Name] = true

		if d.SerialPort == "" {
			problems = append(problems, fmt.Sprintf("device %q has no serial_port", d.Name))
		} else if other, used := ports[d.SerialPort]; used {
			problems = append(problems, fmt.Sprintf("devices %q and %q both use %s", other, d.Name, d.SerialPort))
		} else {
			ports[d.SerialPort] = d.Name
		}

		if d.DACMaxVolts < 0 || d.DACMaxVolts > switchbox.DACFullScale {
			problems = append(problems, fmt.Sprintf("device %q dac_max_volts %.2f not in [0,%.0f]", d.Name, d.DACMaxVolts, switchbox.DACFullScale))
		}

		for port, values := range d.StartupPorts {
			if _, err := model.ParsePort(port); err != nil {
				problems = append(problems, fmt.Sprintf("device %q startup_ports: %v", d.Name, err))
			} else if _, err := model.ParsePortValues(values); err != nil {
				problems = append(problems, fmt.Sprintf("device %q startup_ports.%s: %v", d.Name, port, err))
			}
		}
	}

	valves := map[string]bool{}
	channels := map[string]string{}
	for i, v := range cfg.Valves {
		if v.Name == "" {
			problems = append(problems, fmt.Sprintf("valves[%d] has no name", i))
			continue
		}
		if valves[v.Name] {
			problems = append(problems, fmt.Sprintf("valve %q defined twice", v.Name))
		}
		valves[v.Name] = true

		device, component, err := registry.Split(v.Relay)
		if err != nil {
			problems = append(problems, fmt.Sprintf("valve %q: %v", v.Name, err))
			continue
		}
		if !devices[device] || component != switchbox.RelayComponent {
			problems = append(problems, fmt.Sprintf("valve %q references unknown relay %q", v.Name, v.Relay))
		}
		if err := model.ValidateChannel(v.Channel); err != nil {
			problems = append(problems, fmt.Sprintf("valve %q: %v", v.Name, err))
			continue
		}

		key := fmt.Sprintf("%s#%d", v.Relay, v.Channel)
		if other, used := channels[key]; used {
			problems = append(problems, fmt.Sprintf("valves %q and %q both use %s channel %d", other, v.Name, v.Relay, v.Channel))
		} else {
			channels[key] = v.Name
		}
	}

	if cfg.EnableDatadog && cfg.DDAgentAddr == "" {
		problems = append(problems, "enable_datadog set without dd_agent_addr")
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}
