// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.DebugLevel)
	goleak.VerifyTestMain(m)
}

type mockSocket struct {
	name   string
	closed atomic.Bool
}

func (s *mockSocket) Close() error {
	s.closed.Store(true)
	return nil
}

type mockDiag struct {
	Read    int
	Written int
	Cycles  int
}

func (d *mockDiag) BytesRead() int    { return d.Read }
func (d *mockDiag) BytesWritten() int { return d.Written }

type mockBuffer struct {
	calls    []string
	writeErr error
	readErr  error
	extraErr error
	panics   bool
}

func (b *mockBuffer) FlushWriteBufs(_ context.Context, _ *mockSocket, diag *mockDiag) error {
	b.calls = append(b.calls, "write")
	diag.Written = 3
	return b.writeErr
}

func (b *mockBuffer) FillReadBufs(_ context.Context, _ *mockSocket, diag *mockDiag) error {
	b.calls = append(b.calls, "read")
	diag.Read = 5
	diag.Cycles++
	if b.panics {
		panic("boom")
	}
	return b.readErr
}

func (b *mockBuffer) AdditionalUpdates(_ context.Context, _ *mockSocket, _ *mockDiag) error {
	b.calls = append(b.calls, "additional")
	return b.extraErr
}

func buildMock(socket *mockSocket) (*mockBuffer, error) {
	if socket.name == "invalid" {
		return nil, errors.New("invalid socket")
	}
	return &mockBuffer{}, nil
}

type mockManager = Manager[*mockBuffer, *mockSocket, mockDiag]

func newMockManager(t *testing.T, cfg Config, opts ...Option) *mockManager {
	m := NewManager[*mockBuffer, *mockSocket, mockDiag](cfg, buildMock, opts...)
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})
	return m
}

func register(t *testing.T, m *mockManager, name string) (*mockSocket, *Owned[*mockBuffer]) {
	socket := &mockSocket{name: name}
	owned, err := m.Register(socket)
	if err != nil {
		t.Fatal(err)
	}
	return socket, owned
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition was not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerRegisterFailure(t *testing.T) {
	m := newMockManager(t, DefaultConfig("failure"))

	socket := &mockSocket{name: "invalid"}
	owned, err := m.Register(socket)
	if owned != nil {
		t.Fatal("got handle for failed registration")
	}

	var regErr *RegisterError[*mockSocket]
	if !errors.As(err, &regErr) {
		t.Fatalf("expected RegisterError, got %v", err)
	}
	if regErr.Socket != socket {
		t.Fatal("socket was not returned")
	}
	if socket.closed.Load() {
		t.Fatal("socket was touched")
	}
	if n := m.Len(); n != 0 {
		t.Fatalf("expected no entries, got %d", n)
	}
}

func TestManagerUpdateOrder(t *testing.T) {
	m := newMockManager(t, DefaultConfig("order"))
	_, owned := register(t, m, "a")

	m.Update(context.Background())

	owned.With(func(b *mockBuffer) {
		if expected := []string{"write", "read", "additional"}; !reflect.DeepEqual(b.calls, expected) {
			t.Fatalf("expected %v, got %v", expected, b.calls)
		}
	})

	statuses := m.Snapshot()
	if len(statuses) != 1 {
		t.Fatalf("expected one entry, got %d", len(statuses))
	}
	if s := statuses[0]; !s.Attached || s.Diagnostics.Read != 5 || s.Diagnostics.Written != 3 {
		t.Fatalf("unexpected status %+v", s)
	}

	if v := testutil.ToFloat64(m.metrics.bytesRead); v != 5 {
		t.Fatalf("expected 5 bytes read, got %v", v)
	}
	if v := testutil.ToFloat64(m.metrics.cycles); v != 1 {
		t.Fatalf("expected one cycle, got %v", v)
	}
}

func TestManagerOwnerRelease(t *testing.T) {
	const sockets = 10

	m := newMockManager(t, DefaultConfig("release"))

	var socks []*mockSocket
	var handles []*Owned[*mockBuffer]
	for i := 0; i < sockets; i++ {
		s, o := register(t, m, fmt.Sprintf("s%d", i))
		socks = append(socks, s)
		handles = append(handles, o)
	}

	m.Update(context.Background())
	if n := m.Len(); n != sockets {
		t.Fatalf("expected %d entries, got %d", sockets, n)
	}

	for i := 0; i < sockets; i += 2 {
		handles[i].Close()
	}

	// Releasing takes effect with the next cycle, not before.
	if n := m.Len(); n != sockets {
		t.Fatalf("expected %d entries before the cycle, got %d", sockets, n)
	}

	m.Update(context.Background())
	if n := m.Len(); n != sockets/2 {
		t.Fatalf("expected %d entries, got %d", sockets/2, n)
	}

	for i, s := range socks {
		if released := i%2 == 0; s.closed.Load() != released {
			t.Fatalf("socket %d: closed=%v, released=%v", i, s.closed.Load(), released)
		}
	}

	if v := testutil.ToFloat64(m.metrics.retired); v != sockets/2 {
		t.Fatalf("expected %d retired entries, got %v", sockets/2, v)
	}
}

func TestManagerDropDetaches(t *testing.T) {
	m := newMockManager(t, DefaultConfig("drop"))
	socket, owned := register(t, m, "a")

	owned.With(func(b *mockBuffer) {
		b.readErr = NewDropError(errors.New("broken"))
	})

	m.Update(context.Background())

	if !socket.closed.Load() {
		t.Fatal("dropped socket was not closed")
	}
	if s := m.Snapshot()[0]; s.Attached {
		t.Fatal("socket is still attached")
	}

	// The entry persists while its owner holds the handle.
	m.Update(context.Background())
	statuses := m.Snapshot()
	if len(statuses) != 1 || statuses[0].DetachedCycles != 1 {
		t.Fatalf("unexpected statuses %+v", statuses)
	}

	owned.With(func(b *mockBuffer) {
		if len(b.calls) != 3 {
			t.Fatalf("detached buffer was updated: %v", b.calls)
		}
	})

	owned.Close()
	m.Update(context.Background())
	if n := m.Len(); n != 0 {
		t.Fatalf("expected no entries, got %d", n)
	}
}

func TestManagerRetireDetached(t *testing.T) {
	cfg := DefaultConfig("retire")
	cfg.Retention = RetireDetached

	m := newMockManager(t, cfg)
	_, owned := register(t, m, "a")

	owned.With(func(b *mockBuffer) {
		b.writeErr = NewDropError(errors.New("broken"))
	})

	m.Update(context.Background())
	if n := m.Len(); n != 0 {
		t.Fatalf("expected no entries, got %d", n)
	}
}

func TestManagerErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attached bool
		retries  float64
	}{
		{"retry", NewRetryError(errors.New("busy")), true, 1},
		{"wrapped retry", fmt.Errorf("ctx: %w", NewRetryError(nil)), true, 1},
		{"drop", NewDropError(errors.New("gone")), false, 0},
		{"unclassified", errors.New("what"), false, 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := newMockManager(t, DefaultConfig(test.name))
			_, owned := register(t, m, "a")
			owned.With(func(b *mockBuffer) { b.extraErr = test.err })

			m.Update(context.Background())

			if s := m.Snapshot()[0]; s.Attached != test.attached {
				t.Fatalf("expected attached=%v", test.attached)
			}
			if v := testutil.ToFloat64(m.metrics.retries); v != test.retries {
				t.Fatalf("expected %v retries, got %v", test.retries, v)
			}
		})
	}
}

func TestManagerRecoversPanic(t *testing.T) {
	m := newMockManager(t, DefaultConfig("panic"))
	socket, owned := register(t, m, "a")
	other, _ := register(t, m, "b")

	owned.With(func(b *mockBuffer) { b.panics = true })

	m.Update(context.Background())

	if !socket.closed.Load() {
		t.Fatal("panicking socket was not detached")
	}
	if other.closed.Load() {
		t.Fatal("unrelated socket was detached")
	}

	// The panicking hook's lock must have been released.
	if _, ok := owned.TryLock(); !ok {
		t.Fatal("buffer is still locked")
	}
	owned.Unlock()
}

func TestManagerStartClose(t *testing.T) {
	mock := clock.NewMock()
	cfg := DefaultConfig("start")
	cfg.UpdateInterval = time.Second

	m := NewManager[*mockBuffer, *mockSocket, mockDiag](cfg, buildMock, WithClock(mock))
	m.Start()

	socket, owned := register(t, m, "a")

	mock.Add(time.Second)
	waitFor(t, func() bool {
		s := m.Snapshot()
		return len(s) == 1 && s[0].Diagnostics.Cycles >= 1
	})

	// The owner contends with the running loop.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				owned.With(func(b *mockBuffer) { _ = len(b.calls) })
			}
		}()
	}
	mock.Add(time.Second)
	wg.Wait()

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !socket.closed.Load() {
		t.Fatal("socket was not closed by Close")
	}

	_, err := m.Register(&mockSocket{name: "late"})
	if !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestManagerRegisterRacesClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		m := NewManager[*mockBuffer, *mockSocket, mockDiag](DefaultConfig("race"), buildMock)

		const registrars = 8
		var (
			wg       sync.WaitGroup
			mutex    sync.Mutex
			accepted []*mockSocket
			handles  []*Owned[*mockBuffer]
		)

		start := make(chan struct{})
		for i := 0; i < registrars; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start

				for j := 0; j < 20; j++ {
					socket := &mockSocket{name: fmt.Sprintf("s%d", j)}
					owned, err := m.Register(socket)
					if err != nil {
						if !errors.Is(err, ErrManagerClosed) {
							t.Errorf("unexpected error: %v", err)
						}
						if socket.closed.Load() {
							t.Error("rejected socket was touched")
						}
						return
					}

					mutex.Lock()
					accepted = append(accepted, socket)
					handles = append(handles, owned)
					mutex.Unlock()
				}
			}()
		}

		close(start)
		if err := m.Close(); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		for _, socket := range accepted {
			if !socket.closed.Load() {
				t.Fatalf("round %d: socket %s registered but never closed", round, socket.name)
			}
		}
		for _, owned := range handles {
			owned.Close()
		}
	}
}
