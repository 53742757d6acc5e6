package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mironalin/carsense/internal/bluetooth"
	"github.com/mironalin/carsense/internal/monitor"
	"github.com/mironalin/carsense/internal/server"
	"github.com/mironalin/carsense/internal/session"
	"github.com/mironalin/carsense/internal/upload"
)

var listenAddr string

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Override listen address (e.g. :8080)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: HTTP/WebSocket API, live polling and recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logrus.WithField("component", "main")
		log.Info("carsense starting")

		cfg.Override(func(c *server.Config) {
			if listenAddr != "" {
				c.Server.ListenAddr = listenAddr
			}
			if c.Adapter.Transport == "demo" {
				c.Adapter.AutoConnect = true
			}
		})

		ctrl, release := newController(cfg)
		defer release()

		csv := session.NewCSVRecorder(cfg.Logging, nil)
		sinks := session.NewFanout(nil, csv)
		defer sinks.Close()

		deps := server.Deps{
			Controller: ctrl,
			Sinks:      sinks,
			CSV:        csv,
			Tracker:    session.NewLogTracker(nil),
		}
		if cfg.Upload.Enabled {
			// dashboard works without the backend
			if rs, err := upload.NewRedisSink(ctx, cfg.Upload, nil); err != nil {
				log.WithError(err).Warn("upload disabled")
			} else {
				sinks.Add(rs)
				deps.History = rs
			}
		}
		if cfg.Metrics.Enabled {
			deps.Monitor = monitor.NewMonitor(nil)
		}
		if cfg.Adapter.Transport != "demo" {
			deps.Devices = bluetooth.NewDiscoverer(cfg.Adapter.HCI, nil)
		}

		srv := server.New(cfg, deps)
		err := srv.Run(ctx)
		if err != nil {
			log.WithError(err).Error("server exited")
		}
		return err
	},
}
