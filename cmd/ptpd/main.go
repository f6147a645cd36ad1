/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command ptpd runs the ordinary-clock PTP daemon: it loads an XML
// configuration, brings up one port per configured interface, and runs
// the event loop until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openptpd/ptpd/ptp/config"
	"github.com/openptpd/ptpd/ptp/dataset"
	"github.com/openptpd/ptpd/ptp/engine"
	"github.com/openptpd/ptpd/ptp/metrics"
)

var (
	configFile  string
	logLevel    string
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "ptpd",
		Short: "Run the PTPv2 ordinary-clock daemon",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "/etc/ptpd.xml", "path to the XML configuration document")
	root.Flags().StringVar(&logLevel, "loglevel", "info", "log level: debug, info, warning, error")
	root.Flags().StringVar(&metricsAddr, "metricsaddr", "", "host:port to serve Prometheus metrics on; empty disables it")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", logLevel)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	var m *metrics.Metrics
	if metricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := m.Serve(metricsAddr); err != nil {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	eng, err := engine.New(cfg, m)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Info("received SIGHUP, reconfiguring")
				eng.Reconfigure(func() (dataset.Configuration, error) {
					return config.Load(configFile)
				})
			case syscall.SIGUSR1:
				log.Info("received SIGUSR1, enabling debug logging")
				log.SetLevel(log.DebugLevel)
			case syscall.SIGINT, syscall.SIGTERM:
				log.Infof("received %v, shutting down", sig)
				cancel()
				return
			}
		}
	}()

	if err := sdNotifyReady(); err != nil {
		log.Warnf("sd_notify: %v", err)
	}

	return eng.Run(ctx)
}

// sdNotifyReady notifies systemd that startup finished, per the same
// best-effort convention as ptp/c4u.SdNotify: sd_notify not being
// supported (no NOTIFY_SOCKET) is not an error.
func sdNotifyReady() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		return err
	} else if !supported {
		log.Debug("sd_notify not supported")
	} else {
		log.Info("sent sd_notify ready")
	}
	return nil
}
