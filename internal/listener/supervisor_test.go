package listener

import (
	"crypto/tls"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Drew-Chase/minipx/internal/routetable"
	"go.uber.org/zap"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	return l.Sugar()
}

type countingEngine struct {
	served chan string
}

func (c *countingEngine) Serve(conn net.Conn, scheme string) {
	conn.Close()
	c.served <- scheme
}

type fakeTLSSource struct{}

func (fakeTLSSource) TLSConfig() *tls.Config { return &tls.Config{} }

func routesNoSSL() []*routetable.Route {
	return []*routetable.Route{{Key: "a.test", BackendHost: "127.0.0.1", BackendPort: 8080}}
}

func routesWithSSL() []*routetable.Route {
	return []*routetable.Route{{Key: "a.test", BackendHost: "127.0.0.1", BackendPort: 8080, SSLEnabled: true}}
}

func TestDesiredListeners_NoSSLRouteWantsOnlyPort80(t *testing.T) {
	desired := DesiredListeners(routesNoSSL())
	if kind, ok := desired[80]; !ok || kind != KindPlain {
		t.Fatalf("expected port 80 plain, got %v", desired)
	}
	if _, ok := desired[443]; ok {
		t.Fatalf("expected no port 443 without an SSL-enabled route, got %v", desired)
	}
}

func TestDesiredListeners_SSLRouteWantsPort443Too(t *testing.T) {
	desired := DesiredListeners(routesWithSSL())
	if kind, ok := desired[443]; !ok || kind != KindTLS {
		t.Fatalf("expected port 443 tls, got %v", desired)
	}
	if kind, ok := desired[80]; !ok || kind != KindPlain {
		t.Fatalf("expected port 80 still present for redirects, got %v", desired)
	}
}

func TestDesiredListeners_CustomListenPort(t *testing.T) {
	routes := []*routetable.Route{{Key: "a.test", BackendHost: "127.0.0.1", BackendPort: 8080, ListenPort: 9090}}
	desired := DesiredListeners(routes)
	if kind, ok := desired[9090]; !ok || kind != KindPlain {
		t.Fatalf("expected custom listen port 9090 plain, got %v", desired)
	}
}

func TestDesiredListeners_CustomListenPortIsPlaintextEvenWithSSLEnabled(t *testing.T) {
	routes := []*routetable.Route{{Key: "a.test", BackendHost: "127.0.0.1", BackendPort: 8080, SSLEnabled: true, ListenPort: 9090}}
	desired := DesiredListeners(routes)
	if kind, ok := desired[9090]; !ok || kind != KindPlain {
		t.Fatalf("expected listen_port to stay plaintext even when ssl_enabled is true, got %v", desired)
	}
	if kind, ok := desired[443]; !ok || kind != KindTLS {
		t.Fatalf("expected port 443 tls to still be derived for the ssl-enabled route, got %v", desired)
	}
}

func TestDesiredListeners_NoRoutesWantsNoListeners(t *testing.T) {
	desired := DesiredListeners(nil)
	if len(desired) != 0 {
		t.Fatalf("expected no listeners for an empty route set, got %v", desired)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// These exercise bind/dispatch/drain through the unexported
// startListener/stopListener directly (rather than Start/Reload, which
// always add port 80 per DesiredListeners) so the test suite never needs
// a privileged-port bind that a non-root runner would reject.

func TestSupervisor_StartListenerDispatchesToEngine(t *testing.T) {
	port := freePort(t)
	eng := &countingEngine{served: make(chan string, 1)}
	sup := New(eng, fakeTLSSource{}, testLogger(t))

	if err := sup.startListener(port, KindPlain); err != nil {
		t.Fatalf("startListener failed: %v", err)
	}
	defer sup.Shutdown()

	conn, err := net.Dial("tcp", netAddr(port))
	if err != nil {
		t.Fatalf("expected to be able to dial the bound listen port: %v", err)
	}
	conn.Close()

	select {
	case scheme := <-eng.served:
		if scheme != "http" {
			t.Fatalf("expected scheme http, got %q", scheme)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected engine.Serve to be invoked for the accepted connection")
	}
}

func TestSupervisor_StopListenerDrainsWithoutAffectingOthers(t *testing.T) {
	portKeep := freePort(t)
	portDrop := freePort(t)
	eng := &countingEngine{served: make(chan string, 2)}
	sup := New(eng, fakeTLSSource{}, testLogger(t))

	if err := sup.startListener(portKeep, KindPlain); err != nil {
		t.Fatalf("startListener(keep) failed: %v", err)
	}
	if err := sup.startListener(portDrop, KindPlain); err != nil {
		t.Fatalf("startListener(drop) failed: %v", err)
	}
	defer sup.Shutdown()

	sup.mu.Lock()
	dropped := sup.listeners[portDrop]
	delete(sup.listeners, portDrop)
	sup.mu.Unlock()
	sup.stopListener(dropped)

	if _, err := net.Dial("tcp", netAddr(portKeep)); err != nil {
		t.Fatalf("expected kept port to still accept connections: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := net.Dial("tcp", netAddr(portDrop)); err == nil {
		t.Fatal("expected dropped port to no longer accept connections")
	}
}

func netAddr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
