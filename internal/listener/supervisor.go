// Package listener owns the set of bound TCP ports: it derives the
// desired listener set from the current route snapshot and reconciles
// toward it whenever the snapshot changes, binding newly-needed ports and
// draining ports no route needs anymore without disturbing the rest.
//
// Grounding: tcpserver.Server's per-port net.Listener map, stopChan-per-listener,
// and UpdateConfig diffing of old vs new port sets supply the shape; minipx
// derives its port set from SSL/listen_port route fields instead of a K8s
// route/jump map, and dispatches accepted connections to the HTTP engine or
// the TLS acceptor instead of a tunnel manager.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/Drew-Chase/minipx/internal/routetable"
	"go.uber.org/zap"
)

// Kind distinguishes a plaintext listener (serving HTTP, including
// HTTP->HTTPS redirects) from a TLS-terminating one.
type Kind int

const (
	KindPlain Kind = iota
	KindTLS
)

// Engine is the per-connection handler; *engine.Engine satisfies this.
type Engine interface {
	Serve(conn net.Conn, scheme string)
}

// TLSConfigSource builds the *tls.Config a TLS listener wraps its
// net.Listener with; *tlsserver.Acceptor satisfies this.
type TLSConfigSource interface {
	TLSConfig() *tls.Config
}

type boundListener struct {
	port     int
	kind     Kind
	listener net.Listener
	stopChan chan struct{}
}

// Supervisor binds and drains listeners in response to route snapshot
// changes. It never blocks a config reload on slow connection teardown:
// reconcile only stops accepting on a removed port and closes the
// listener; in-flight connections run to completion on their own.
type Supervisor struct {
	engine  Engine
	tlsConf TLSConfigSource
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	listeners map[int]*boundListener
	wg        sync.WaitGroup
}

// New builds a Supervisor dispatching accepted connections to engine,
// wrapping TLS-kind listeners with the config tlsConf builds.
func New(engine Engine, tlsConf TLSConfigSource, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		engine:    engine,
		tlsConf:   tlsConf,
		logger:    logger,
		listeners: make(map[int]*boundListener),
	}
}

// DesiredListeners derives the port->kind set a route snapshot implies:
// port 80 plaintext whenever any route exists (so a redirect rule or a
// bare HTTP route always has somewhere to answer), port 443 TLS whenever
// any route enables SSL, and one additional plaintext listener per
// distinct non-zero ListenPort a route names. ListenPort is always
// plaintext, even when the same route has SSLEnabled set: that combination
// means plaintext requests for the host are expected on ListenPort instead
// of 80, while HTTPS for the host still goes through the shared 443 TLS
// listener.
func DesiredListeners(routes []*routetable.Route) map[int]Kind {
	desired := make(map[int]Kind)
	if len(routes) > 0 {
		desired[80] = KindPlain
	}
	for _, r := range routes {
		if r.SSLEnabled {
			desired[443] = KindTLS
		}
		if r.ListenPort != 0 {
			if _, ok := desired[r.ListenPort]; !ok {
				desired[r.ListenPort] = KindPlain
			}
		}
	}
	return desired
}

// Start binds the listener set implied by snap. A bind failure here is
// fatal to the caller (returned, not merely logged) since this runs at
// process startup before anything is serving traffic.
func (s *Supervisor) Start(snap *routetable.Snapshot) error {
	return s.reconcile(snap, true)
}

// Reload re-derives the desired listener set from snap and reconciles
// toward it. Unlike Start, a bind failure here is logged and skipped
// rather than fatal: the rest of the proxy keeps serving traffic that
// doesn't depend on the failed port.
func (s *Supervisor) Reload(snap *routetable.Snapshot) {
	if err := s.reconcile(snap, false); err != nil {
		s.logger.Errorw("listener reconcile reported an error", "component", "listener", "error", err)
	}
}

func (s *Supervisor) reconcile(snap *routetable.Snapshot, fatal bool) error {
	desired := DesiredListeners(snap.Routes())

	s.mu.Lock()
	var toStop []*boundListener
	for port, bl := range s.listeners {
		if kind, ok := desired[port]; !ok || kind != bl.kind {
			toStop = append(toStop, bl)
			delete(s.listeners, port)
		}
	}
	var toStart []struct {
		port int
		kind Kind
	}
	for port, kind := range desired {
		if _, ok := s.listeners[port]; !ok {
			toStart = append(toStart, struct {
				port int
				kind Kind
			}{port, kind})
		}
	}
	s.mu.Unlock()

	for _, bl := range toStop {
		s.stopListener(bl)
	}

	for _, item := range toStart {
		if err := s.startListener(item.port, item.kind); err != nil {
			if fatal {
				return err
			}
			s.logger.Errorw("failed to bind listener", "component", "listener", "port", item.port, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) startListener(port int, kind Kind) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	if kind == KindTLS {
		ln = tls.NewListener(ln, s.tlsConf.TLSConfig())
	}

	bl := &boundListener{port: port, kind: kind, listener: ln, stopChan: make(chan struct{})}

	s.mu.Lock()
	s.listeners[port] = bl
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(bl)

	kindStr := "http"
	if kind == KindTLS {
		kindStr = "https"
	}
	s.logger.Infow("listener started", "component", "listener", "port", port, "kind", kindStr)
	return nil
}

func (s *Supervisor) acceptLoop(bl *boundListener) {
	defer s.wg.Done()

	scheme := "http"
	if bl.kind == KindTLS {
		scheme = "https"
	}

	for {
		conn, err := bl.listener.Accept()
		if err != nil {
			select {
			case <-bl.stopChan:
				return
			default:
				s.logger.Debugw("accept error", "component", "listener", "port", bl.port, "error", err)
				return
			}
		}
		go s.engine.Serve(conn, scheme)
	}
}

func (s *Supervisor) stopListener(bl *boundListener) {
	close(bl.stopChan)
	_ = bl.listener.Close()
	s.logger.Infow("listener stopped", "component", "listener", "port", bl.port)
}

// Shutdown closes every bound listener and waits for their accept loops
// to exit. In-flight connections are not interrupted.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	all := make([]*boundListener, 0, len(s.listeners))
	for _, bl := range s.listeners {
		all = append(all, bl)
	}
	s.listeners = make(map[int]*boundListener)
	s.mu.Unlock()

	for _, bl := range all {
		s.stopListener(bl)
	}
	s.wg.Wait()
}
