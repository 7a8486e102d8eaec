// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

type mockService struct {
	name     string
	closeErr error

	mutex   sync.Mutex
	started int
	log     *[]string
}

func (s *mockService) Name() string { return s.name }

func (s *mockService) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.started++
}

func (s *mockService) Close() error {
	*s.log = append(*s.log, s.name)
	return s.closeErr
}

func TestRegistryLifecycle(t *testing.T) {
	var closed []string
	a := &mockService{name: "a", log: &closed}
	b := &mockService{name: "b", log: &closed, closeErr: errors.New("oops")}
	c := &mockService{name: "c", log: &closed}

	r := NewRegistry()
	if err := r.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(b); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(&mockService{name: "a", log: &closed}); err == nil {
		t.Fatal("duplicate name was accepted")
	}

	r.Start()
	r.Start()
	if a.started != 1 || b.started != 1 {
		t.Fatalf("unexpected starts: %d, %d", a.started, b.started)
	}

	// Late additions are started right away.
	if err := r.Add(c); err != nil {
		t.Fatal(err)
	}
	if c.started != 1 {
		t.Fatal("late service was not started")
	}

	if names := r.Names(); !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected names %v", names)
	}

	err := r.Shutdown()
	if err == nil || !errors.Is(err, b.closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if !reflect.DeepEqual(closed, []string{"c", "b", "a"}) {
		t.Fatalf("unexpected close order %v", closed)
	}
	if len(r.Names()) != 0 {
		t.Fatal("registry was not emptied")
	}
}

func TestRegistryLookupManager(t *testing.T) {
	r := NewRegistry()
	m := NewManager[*mockBuffer, *mockSocket, mockDiag](DefaultConfig("mock"), buildMock)
	if err := r.Add(m); err != nil {
		t.Fatal(err)
	}

	if found, ok := LookupManager[*mockBuffer, *mockSocket, mockDiag](r, "mock"); !ok || found != m {
		t.Fatal("manager was not found")
	}
	if _, ok := LookupManager[*mockBuffer, *mockSocket, mockDiag](r, "missing"); ok {
		t.Fatal("found missing manager")
	}

	if err := r.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	if Default() != nil {
		t.Fatal("default registry exists before Init")
	}

	m := NewManager[*mockBuffer, *mockSocket, mockDiag](DefaultConfig("default"), buildMock)
	r, err := Init(m)
	if err != nil {
		t.Fatal(err)
	}
	if Default() != r {
		t.Fatal("Default does not return the initialized registry")
	}
	if _, err := Init(); err == nil {
		t.Fatal("second Init succeeded")
	}

	if err := Shutdown(); err != nil {
		t.Fatal(err)
	}
	if Default() != nil {
		t.Fatal("default registry survived Shutdown")
	}
	if err := Shutdown(); err != nil {
		t.Fatal(err)
	}
}
