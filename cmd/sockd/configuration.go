// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/easysockets/pkg/sockets"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Manager   managerConf
	HTTP      httpConf `toml:"http"`
	Listen    []listenConf
	Profiling bool
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// managerConf describes the Manager-configuration block, shared by all
// socket managers.
type managerConf struct {
	Name           string
	UpdateInterval string `toml:"update-interval"`
	Workers        int
	Retention      string
	WSKeepalive    string `toml:"ws-keepalive"`
}

// httpConf describes the HTTP-configuration block for metrics and status.
type httpConf struct {
	Listen string
}

// listenConf describes a socket to accept connections or datagrams on.
type listenConf struct {
	Protocol string
	Endpoint string
}

// daemonConf is the validated configuration.
type daemonConf struct {
	manager     sockets.Config
	wsKeepalive time.Duration
	httpListen  string
	listen      []listenConf
	profiling   bool
}

// parseDuration parses s or returns def for an empty string.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// decodeConfig reads the TOML file.
func decodeConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}

// applyLogging configures logrus.
func applyLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseConfig reads, applies the logging block and validates a configuration
// file.
func parseConfig(filename string) (dc daemonConf, err error) {
	conf, err := decodeConfig(filename)
	if err != nil {
		return
	}

	applyLogging(conf.Logging)

	if conf.Manager.Name == "" {
		conf.Manager.Name = "sockd"
	}

	dc.manager = sockets.DefaultConfig(conf.Manager.Name)
	dc.manager.Workers = conf.Manager.Workers

	if dc.manager.UpdateInterval, err = parseDuration(conf.Manager.UpdateInterval, dc.manager.UpdateInterval); err != nil {
		err = fmt.Errorf("manager.update-interval: %w", err)
		return
	}
	if dc.manager.Retention, err = sockets.ParseRetentionPolicy(conf.Manager.Retention); err != nil {
		err = fmt.Errorf("manager.retention: %w", err)
		return
	}
	if dc.wsKeepalive, err = parseDuration(conf.Manager.WSKeepalive, 10*time.Second); err != nil {
		err = fmt.Errorf("manager.ws-keepalive: %w", err)
		return
	}

	for _, l := range conf.Listen {
		switch l.Protocol {
		case "tcp", "udp", "quic", "ws":
		default:
			err = fmt.Errorf("unknown listen.protocol %q", l.Protocol)
			return
		}
		if l.Endpoint == "" {
			err = fmt.Errorf("listen.endpoint is empty for %s", l.Protocol)
			return
		}
	}

	dc.listen = conf.Listen
	dc.httpListen = conf.HTTP.Listen
	dc.profiling = conf.Profiling

	log.WithFields(log.Fields{
		"update-interval": dc.manager.UpdateInterval,
		"workers":         dc.manager.Workers,
		"retention":       dc.manager.Retention,
		"listeners":       len(dc.listen),
	}).Debug("Parsed configuration")

	return
}
