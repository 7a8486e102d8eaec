// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrt

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// Poller signals once that its socket became writable. After that, it stays
// ready for good.
type Poller struct {
	sock  *DatagramSocket
	clock clock.Clock

	mutex   sync.Mutex
	backoff *backoff.Backoff

	ready atomic.Bool
}

// Ready reports whether writability was observed.
func (p *Poller) Ready() bool {
	return p.ready.Load()
}

// PollWritable returns once the socket is writable. The OS is probed without
// blocking, backing off between probes. Once ready, PollWritable returns
// immediately.
func (p *Poller) PollWritable(ctx context.Context) error {
	if p.ready.Load() {
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for !p.ready.Load() {
		writable, err := p.sock.raw.Writable(0)
		if err != nil {
			return err
		}
		if writable {
			p.ready.Store(true)
			break
		}

		wait := p.backoff.Duration()
		log.WithFields(log.Fields{
			"local": p.sock.LocalAddr(),
			"wait":  wait,
		}).Debug("Socket not writable, backing off")

		timer := p.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	p.backoff.Reset()
	return nil
}
