// Package tlsserver builds the *tls.Config the TLS listener hands to
// crypto/tls: per-SNI certificate resolution, including the TLS-ALPN-01
// challenge path. Unlike byte-level ClientHello sniffing
// (httpserver/tls_passthrough.go's extractSNI), minipx terminates TLS, so
// SNI/ALPN negotiation is handled natively by crypto/tls.Config's
// GetCertificate callback; the accept-loop-per-listener idiom and
// per-failure-kind handling are kept, the byte parsing is not.
package tlsserver

import (
	"crypto/tls"
	"fmt"

	"github.com/Drew-Chase/minipx/internal/routetable"
	"go.uber.org/zap"
)

// alpnACMETLS1 is the ALPN protocol identifier a client advertises while
// answering a TLS-ALPN-01 challenge.
const alpnACMETLS1 = "acme-tls/1"

// CertificateSource resolves Ready and in-progress-challenge certificates
// for a host. *acme.Manager satisfies this; tests use a fake.
type CertificateSource interface {
	Certificate(host string) (*tls.Certificate, bool)
	ChallengeCertificate(host string) (*tls.Certificate, bool)
	EnsureHost(host string)
}

// RouteSource reports whether host is known to the current route
// snapshot, used to decide between a literal lookup and the "no wildcard
// certificates" fallback documented in the design notes' open question.
type RouteSource interface {
	HasHost(host string) bool
}

// TableRouteSource adapts a *routetable.Table to RouteSource, always
// consulting the snapshot in force at call time rather than one captured
// at construction, so a hot reload that adds a TLS host takes effect on
// the very next handshake.
type TableRouteSource struct {
	Table *routetable.Table
}

func (t TableRouteSource) HasHost(host string) bool {
	return t.Table.Current().HasHost(host)
}

// Acceptor builds TLS configs for the port-443 listener.
type Acceptor struct {
	certs  CertificateSource
	routes RouteSource
	logger *zap.SugaredLogger
}

// New builds an Acceptor resolving certificates from certs and consulting
// routes to decide whether a SNI host is recognized at all.
func New(certs CertificateSource, routes RouteSource, logger *zap.SugaredLogger) *Acceptor {
	return &Acceptor{certs: certs, routes: routes, logger: logger}
}

// TLSConfig returns a *tls.Config whose GetCertificate callback
// implements the three-step resolution in spec 4.E: challenge cert first,
// then a Ready literal-host certificate, then asynchronous-issuance-and-
// fail.
func (a *Acceptor) TLSConfig() *tls.Config {
	return &tls.Config{
		NextProtos:     []string{alpnACMETLS1, "http/1.1"},
		GetCertificate: a.getCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

func (a *Acceptor) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI host offered")
	}

	for _, proto := range hello.SupportedProtos {
		if proto == alpnACMETLS1 {
			if cert, ok := a.certs.ChallengeCertificate(host); ok {
				return cert, nil
			}
			return nil, fmt.Errorf("no pending tls-alpn-01 challenge for %s", host)
		}
	}

	// Per the design notes' open question: a TLS-ALPN-01 certificate is
	// always requested for the literal SNI host, never for a matching
	// wildcard route — so only a literal lookup is attempted here.
	if cert, ok := a.certs.Certificate(host); ok {
		return cert, nil
	}

	if a.routes.HasHost(host) {
		a.logger.Infow("triggering acme issuance for unready host", "component", "tls", "host", host)
		a.certs.EnsureHost(host)
	}
	return nil, fmt.Errorf("certificate unknown for %s", host)
}
