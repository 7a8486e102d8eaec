// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Service is anything a Registry supervises, e.g., a Manager.
type Service interface {
	Name() string
	Start()
	Close() error
}

// Registry holds named Services with an explicit lifecycle: Services are
// added, started together and shut down together in reverse order.
type Registry struct {
	mutex    sync.Mutex
	services map[string]Service
	order    []string
	started  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Add a Service. Names must be unique. Services added to a started Registry
// are started immediately.
func (r *Registry) Add(service Service) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := service.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %q is already registered", name)
	}

	r.services[name] = service
	r.order = append(r.order, name)

	if r.started {
		service.Start()
	}
	return nil
}

// Lookup a Service by its name.
func (r *Registry) Lookup(name string) (service Service, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	service, ok = r.services[name]
	return
}

// Names of all Services in insertion order.
func (r *Registry) Names() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return append([]string(nil), r.order...)
}

// Start all Services.
func (r *Registry) Start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.started {
		return
	}
	r.started = true

	for _, name := range r.order {
		r.services[name].Start()
	}
}

// Shutdown closes all Services in reverse order and empties the Registry. All
// errors are collected.
func (r *Registry) Shutdown() (err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if closeErr := r.services[name].Close(); closeErr != nil {
			log.WithFields(log.Fields{
				"service": name,
				"error":   closeErr,
			}).Warn("Closing service errored")

			err = multierror.Append(err, fmt.Errorf("closing %q: %w", name, closeErr))
		}
	}

	r.services = make(map[string]Service)
	r.order = nil
	r.started = false
	return
}

// LookupManager fetches a Manager of a known type from a Registry.
func LookupManager[B Buffer[S, D], S, D any](r *Registry, name string) (*Manager[B, S, D], bool) {
	service, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}

	manager, ok := service.(*Manager[B, S, D])
	return manager, ok
}

var (
	defaultMutex    sync.Mutex
	defaultRegistry *Registry
)

// Init creates and starts the process-wide Registry with the given Services.
// It must be called once at startup and paired with Shutdown.
func Init(services ...Service) (*Registry, error) {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()

	if defaultRegistry != nil {
		return nil, errors.New("default registry is already initialized")
	}

	registry := NewRegistry()
	for _, service := range services {
		if err := registry.Add(service); err != nil {
			return nil, err
		}
	}
	registry.Start()

	defaultRegistry = registry
	return registry, nil
}

// Default returns the process-wide Registry or nil before Init.
func Default() *Registry {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()

	return defaultRegistry
}

// Shutdown tears down the process-wide Registry. Afterwards, Init may be
// called again.
func Shutdown() error {
	defaultMutex.Lock()
	registry := defaultRegistry
	defaultRegistry = nil
	defaultMutex.Unlock()

	if registry == nil {
		return nil
	}
	return registry.Shutdown()
}
