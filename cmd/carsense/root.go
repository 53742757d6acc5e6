package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mironalin/carsense/internal/bluetooth"
	"github.com/mironalin/carsense/internal/obd"
	"github.com/mironalin/carsense/internal/server"
)

var (
	configPath string
	address    string
	demo       bool
	logLevel   string

	cfg     *server.Config
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "carsense",
	Short: "ELM327 Bluetooth OBD2 daemon and diagnostics tool",
	Long: `carsense talks to ELM327 OBD2 adapters over Bluetooth (BlueZ SPP profile or
raw RFCOMM) or a serial port, decodes live sensor data and trouble codes, and
serves them over HTTP/WebSocket.

Connection:
  --address 00:1D:A5:68:98:8B   Bluetooth adapter
  --address /dev/rfcomm0        bound RFCOMM tty or USB adapter
  --demo                        simulated car, no hardware needed`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = server.LoadConfig(configPath)
		cfg.Override(applyFlags)
		return setupLogging(cfg.Log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

// applyFlags layers the persistent flags over the loaded config. It runs
// again after every config file reload.
func applyFlags(c *server.Config) {
	if address != "" {
		c.Adapter.Address = address
	}
	if demo {
		c.Adapter.Transport = "demo"
	}
	if c.Adapter.Transport == "demo" && c.Adapter.Address == "" {
		c.Adapter.Address = obd.DemoAddress
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", server.DefaultConfigPath, "Path to config file")
	pf.StringVarP(&address, "address", "a", "", "Adapter MAC or device path (overrides config)")
	pf.BoolVar(&demo, "demo", false, "Use the simulated adapter")
	pf.StringVarP(&logLevel, "log-level", "l", "", "trace, debug, info, warn or error")
}

// setupLogging applies level, format and output. With no format configured,
// terminals get coloured text and everything else JSON.
func setupLogging(lc server.LogConfig) error {
	if lc.Level != "" {
		lvl, err := logrus.ParseLevel(lc.Level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		logrus.SetLevel(lvl)
	}

	out := os.Stderr
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		out = f
		logFile = f
	}
	logrus.SetOutput(out)

	format := lc.Format
	if format == "" {
		format = "json"
		if term.IsTerminal(int(out.Fd())) {
			format = "text"
		}
	}
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format %q: want text or json", format)
	}
	return nil
}

// newController wires the dialers selected by adapter.transport. The returned
// func releases the controller and unregisters any BlueZ profile.
func newController(c *server.Config) (*obd.Controller, func()) {
	a := c.AdapterSettings()
	oc := c.OBDConfig()
	log := logrus.WithField("component", "obd")
	poll := oc.Timing.PollInterval

	serialDialer := obd.SerialDialer{BaudRate: a.BaudRate, ReadTimeout: poll}
	var dialers []obd.Dialer
	cleanup := func() {}

	switch a.Transport {
	case "demo":
		dialers = []obd.Dialer{obd.DemoDialer(obd.NewDemoEngine())}
	case "serial":
		dialers = []obd.Dialer{serialDialer}
	case "spp":
		spp := bluetooth.NewSPPDialer(a.HCI, poll, log)
		dialers = []obd.Dialer{spp}
		cleanup = func() { spp.Close() }
	case "rfcomm":
		dialers = []obd.Dialer{bluetooth.RFCOMMDialer{Channel: a.Channel, ReadTimeout: poll}}
	default:
		dialers, cleanup = bluetooth.Dialers(a.HCI, a.Channel, poll, log)
	}

	ctrl := obd.NewController(
		obd.WithConfig(oc),
		obd.WithLogger(log),
		obd.WithDialers(dialers...),
		obd.WithSerialDialer(serialDialer),
	)
	return ctrl, func() {
		ctrl.Release()
		cleanup()
	}
}

// connected builds a controller and connects it to the configured address.
func connected(ctx context.Context) (*obd.Controller, func(), error) {
	addr := cfg.AdapterSettings().Address
	if addr == "" {
		return nil, nil, fmt.Errorf("no adapter address: pass --address, set adapter.address or OBD_ADDRESS, or use --demo")
	}
	ctrl, release := newController(cfg)
	if err := ctrl.Connect(ctx, addr); err != nil {
		release()
		return nil, nil, err
	}
	return ctrl, release, nil
}
