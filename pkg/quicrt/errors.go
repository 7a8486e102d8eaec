// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrt

import (
	"fmt"

	"github.com/quic-go/quic-go"
)

const (
	// ApplicationShutdown is sent when the endpoint is closed.
	ApplicationShutdown quic.ApplicationErrorCode = 5

	// StreamTransmissionError resets a stream which failed to transmit.
	StreamTransmissionError quic.StreamErrorCode = 2
)

// EndpointError wraps failures of an Endpoint's operation.
type EndpointError struct {
	Op  string
	Err error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("quic endpoint %s: %v", e.Op, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}
