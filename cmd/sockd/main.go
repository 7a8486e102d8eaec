// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// sockd accepts TCP, UDP, QUIC and WebSocket peers, drives them through
// easysockets managers and echoes everything back.
package main

import (
	"os"
	"os/signal"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

// watchConfig reapplies the logging block whenever the configuration file is
// written. The returned watcher must be closed.
func watchConfig(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				conf, err := decodeConfig(filename)
				if err != nil {
					log.WithError(err).Warn("Failed to reload configuration")
					continue
				}

				applyLogging(conf.Logging)
				log.WithField("file", event.Name).Info("Reapplied logging configuration")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher errored")
			}
		}
	}()

	return watcher, nil
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	if conf.profiling {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	d, err := newDaemon(conf, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to start daemon")
	}

	watcher, err := watchConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Warn("Configuration changes will not be picked up")
	} else {
		defer watcher.Close()
	}

	waitSigint()
	log.Info("Shutting down..")

	if err := d.Close(); err != nil {
		log.WithError(err).Warn("Shutdown errored")
	}
}
