// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultALPN is the application protocol negotiated by the TLS helpers.
const DefaultALPN = "easysockets"

// SelfSignedTLSConfig generates a bare-bones TLS config for a listener. This
// uses a self-signed certificate, so dialers have to skip verification, see
// InsecureDialerTLSConfig.
func SelfSignedTLSConfig(alpn string) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("generating certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("combining certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// InsecureDialerTLSConfig generates a TLS config for a dialer which does not
// verify the listener's certificate.
func InsecureDialerTLSConfig(alpn string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
}

// DefaultQUICConfig for Endpoints.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    time.Second,
		MaxIdleTimeout:     5 * time.Second,
		EnableDatagrams:    false,
		MaxIncomingStreams: 2048,
	}
}
