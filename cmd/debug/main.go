package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/thatsimonsguy/switchbox-controller/db"
	"github.com/thatsimonsguy/switchbox-controller/internal/config"
	"github.com/thatsimonsguy/switchbox-controller/internal/env"
	"github.com/thatsimonsguy/switchbox-controller/internal/model"
	"github.com/thatsimonsguy/switchbox-controller/internal/seriallink"
	"github.com/thatsimonsguy/switchbox-controller/internal/switchbox"
	"github.com/thatsimonsguy/switchbox-controller/system/startup"
)

func main() {
	DebugCLI()
}

type options struct {
	dbPath      string
	serialPort  string
	device      string
	command     string
	port        string
	values      string
	channel     int
	state       int
	keep        bool
	lowAfter    float64
	volts       float64
	limit       int
	olderThan   time.Duration
	configFile  string
	servicePath string
	serviceExec string
}

func DebugCLI() {
	var o options
	flag.StringVar(&o.dbPath, "db", "data/switchbox.db", "Path to the SQLite database file")
	flag.StringVar(&o.serialPort, "serial", "/dev/ttyUSB0", "Serial port of the switch box")
	flag.StringVar(&o.device, "device", "box1", "Device name used in history and log output")
	flag.StringVar(&o.command, "cmd", "", "Command to run: version, read-all, read-channel, set-channel, set-port, startup, adc, dac-set, dac-read, history, prune, install-service")
	flag.StringVar(&o.port, "port", "", "Port letter for set-port and startup")
	flag.StringVar(&o.values, "values", "", "Digit string for set-port and startup, e.g. 00010012")
	flag.IntVar(&o.channel, "channel", 0, "Relay channel (1-32) or DAC/ADC channel")
	flag.IntVar(&o.state, "state", 0, "Channel state: 0 off, 1 half, 2 full")
	flag.BoolVar(&o.keep, "keep", true, "Keep the other channels of the port on set-channel")
	flag.Float64Var(&o.lowAfter, "low-after", -1, "Seconds before FULL drops to HALF, negative to disable")
	flag.Float64Var(&o.volts, "volts", 0, "DAC output voltage")
	flag.IntVar(&o.limit, "limit", 20, "Number of history rows")
	flag.DurationVar(&o.olderThan, "older-than", 30*24*time.Hour, "Prune channel events older than this")
	flag.StringVar(&o.configFile, "config-file", "/etc/switchbox/config.yaml", "Config file referenced by the installed service")
	flag.StringVar(&o.servicePath, "service-path", "/etc/systemd/system/switchbox-controller.service", "Where to write the systemd unit")
	flag.StringVar(&o.serviceExec, "service-exec", "/usr/local/bin/switchbox-controller", "Controller binary referenced by the unit")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || o.command == "" {
		fmt.Println("\nUsage of switchbox-debug:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if err := run(o); err != nil {
		fmt.Printf("Command %s failed: %v\n", o.command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", o.command)
}

func run(o options) error {
	switch o.command {
	case "history":
		return db.PrintChannelHistoryCLI(os.Stdout, o.dbPath, o.device, o.channel, o.limit)
	case "prune":
		n, err := db.PruneCLI(o.dbPath, o.olderThan)
		if err == nil {
			fmt.Printf("Removed %d channel events\n", n)
		}
		return err
	case "install-service":
		env.Cfg = &config.Config{
			ConfigFile:  o.configFile,
			DBPath:      o.dbPath,
			ServicePath: o.servicePath,
			ServiceExec: o.serviceExec,
		}
		return startup.InstallService()
	}

	box, err := switchbox.Open(o.device, seriallink.Config{Port: o.serialPort}, switchbox.Options{})
	if err != nil {
		return err
	}
	defer box.Close()
	if err := box.Initialize(); err != nil {
		return err
	}

	switch o.command {
	case "version":
		fmt.Println(box.Version)
		return nil
	case "read-all":
		ports, err := box.Relay.ReadAllPorts()
		if err != nil {
			return err
		}
		letters := make([]string, 0, len(ports))
		for p := range ports {
			letters = append(letters, p)
		}
		sort.Strings(letters)
		for _, p := range letters {
			fmt.Printf("%s: %s\n", p, model.FormatPortValues(ports[p]))
		}
		return nil
	case "read-channel":
		state, err := box.Relay.ReadChannel(o.channel)
		if err != nil {
			return err
		}
		fmt.Printf("channel %d: %s\n", o.channel, state)
		return nil
	case "set-channel":
		state, err := model.ParseChannelState(o.state)
		if err != nil {
			return err
		}
		if err := box.Relay.SetChannel(o.channel, state, o.keep, switchbox.LowPowerAfter(o.lowAfter)); err != nil {
			return err
		}
		return waitForLowPower(box, o)
	case "set-port":
		return box.Relay.SetPort(o.port, o.values, switchbox.LowPowerAfter(o.lowAfter))
	case "startup":
		if o.values != "" {
			return box.Relay.SetStartupPort(o.port, o.values)
		}
		states, err := box.Relay.ReadStartupPort(o.port)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", o.port, model.FormatPortValues(states))
		return nil
	case "adc":
		readings, err := box.ADC.ReadAll()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(readings))
		for k := range readings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %.3f V\n", k, readings[k])
		}
		return nil
	case "dac-set":
		return box.DAC.Set(o.channel, o.volts)
	case "dac-read":
		v, err := box.DAC.Read(o.channel)
		if err != nil {
			return err
		}
		fmt.Printf("dac%d: %.3f V\n", o.channel, v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", o.command)
	}
}

// waitForLowPower keeps the process alive until a pending FULL to HALF switch has fired.
func waitForLowPower(box *switchbox.Box, o options) error {
	if o.lowAfter <= 0 || !box.Relay.LowPowerPending(o.channel) {
		return nil
	}
	time.Sleep(time.Duration(o.lowAfter*float64(time.Second)) + 200*time.Millisecond)
	state, err := box.Relay.Cached(o.channel)
	if err != nil {
		return err
	}
	fmt.Printf("channel %d: %s\n", o.channel, state)
	return nil
}
