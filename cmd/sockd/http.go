// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// statusReporter is implemented by all socket managers.
type statusReporter interface {
	Status() any
}

// router serves the metrics and the managers' snapshots.
func (d *daemon) router() *mux.Router {
	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.HandlerFor(d.metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/sockets", d.handleManagers).Methods(http.MethodGet)
	router.HandleFunc("/sockets/{manager}", d.handleManager).Methods(http.MethodGet)

	return router
}

func (d *daemon) serveHTTP(listen string) {
	server := &http.Server{
		Addr:              listen,
		Handler:           d.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.addCloser(server)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("HTTP server errored")
		}
	}()

	log.WithField("listen", listen).Info("Serving metrics and socket status")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write HTTP response")
	}
}

func (d *daemon) handleManagers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, d.registry.Names())
}

func (d *daemon) handleManager(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["manager"]

	service, ok := d.registry.Lookup(name)
	if !ok {
		http.Error(w, "unknown manager", http.StatusNotFound)
		return
	}

	reporter, ok := service.(statusReporter)
	if !ok {
		http.Error(w, "manager reports no status", http.StatusNotImplemented)
		return
	}

	writeJSON(w, reporter.Status())
}
