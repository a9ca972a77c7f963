// Package acme manages the per-host TLS certificate lifecycle against an
// ACME directory using the TLS-ALPN-01 challenge: account bootstrap, order
// placement, challenge publication, finalization, disk caching and
// renewal. It owns an explicit tagged-variant state machine per host
// (state.go) rather than driving the flow from ad hoc callbacks.
package acme

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// renewalThreshold is how much remaining lifetime triggers renewal.
const renewalThreshold = 30 * 24 * time.Hour

// maxBackoff caps the exponential retry backoff after a failed issuance.
const maxBackoff = 24 * time.Hour

// issueDeadline bounds a single issuance attempt end to end.
const issueDeadline = 120 * time.Second

// Issuer obtains a certificate for host from the ACME directory. The
// default implementation (issue.go) talks to a real directory via
// golang.org/x/crypto/acme; tests inject a fake to exercise the state
// machine and coalescing without a network. publish is called (possibly
// more than once, possibly zero times) with the TLS-ALPN-01 challenge
// certificate as soon as it is minted, and with nil once the challenge is
// no longer needed.
type Issuer interface {
	Issue(ctx context.Context, host string, publish func(*tls.Certificate)) (*tls.Certificate, time.Time, error)
}

// Manager tracks one hostState per TLS-enabled route key and publishes
// two lock-free maps readers (the TLS acceptor) consult on every
// handshake: the Ready certificate map and the in-progress ALPN-01
// challenge certificate map. Both are atomic.Pointer snapshots rebuilt
// under Manager.mu and never mutated after publication, mirroring the
// route table's snapshot-over-shared-mutation design.
type Manager struct {
	cacheDir string
	logger   *zap.SugaredLogger
	issuer   Issuer

	mu     sync.Mutex
	hosts  map[string]*hostState
	closed chan struct{}

	certs      atomic.Pointer[map[string]*tls.Certificate]
	challenges atomic.Pointer[map[string]*tls.Certificate]
}

// New builds a Manager that issues through a real ACME directory at
// directoryURL on behalf of email, caching material under cacheDir.
func New(directoryURL, email, cacheDir string, logger *zap.SugaredLogger) (*Manager, error) {
	issuer, err := newACMEIssuer(directoryURL, email, cacheDir)
	if err != nil {
		return nil, err
	}
	return newManager(issuer, cacheDir, logger), nil
}

// newManager builds a Manager around an arbitrary Issuer, used directly
// by tests that substitute a fake issuer.
func newManager(issuer Issuer, cacheDir string, logger *zap.SugaredLogger) *Manager {
	m := &Manager{
		cacheDir: cacheDir,
		logger:   logger,
		issuer:   issuer,
		hosts:    make(map[string]*hostState),
		closed:   make(chan struct{}),
	}
	emptyCerts := map[string]*tls.Certificate{}
	emptyChallenges := map[string]*tls.Certificate{}
	m.certs.Store(&emptyCerts)
	m.challenges.Store(&emptyChallenges)
	return m
}

// Certificate returns the Ready certificate for host, if any, via a
// lock-free read of the published map.
func (m *Manager) Certificate(host string) (*tls.Certificate, bool) {
	certs := *m.certs.Load()
	c, ok := certs[host]
	return c, ok
}

// ChallengeCertificate returns the in-progress TLS-ALPN-01 challenge
// certificate for host, if a challenge is currently pending.
func (m *Manager) ChallengeCertificate(host string) (*tls.Certificate, bool) {
	challenges := *m.challenges.Load()
	c, ok := challenges[host]
	return c, ok
}

// Hosts reports every host this manager currently tracks, for
// introspection collaborators.
func (m *Manager) Hosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.hosts))
	for h := range m.hosts {
		out = append(out, h)
	}
	return out
}

// UpdateHosts sets the desired TLS host set. Hosts not yet tracked start
// in Absent and are picked up by EnsureHost on first handshake; hosts no
// longer present are dropped entirely, removing their cached certificate
// from the published map (their disk cache files are left alone so a
// host re-added later can reuse them opportunistically on next load —
// the file watcher only removes route entries from the config, never
// walks cacheDir).
func (m *Manager) UpdateHosts(desired []string) {
	wanted := make(map[string]bool, len(desired))
	for _, h := range desired {
		wanted[h] = true
	}

	m.mu.Lock()
	for h := range m.hosts {
		if !wanted[h] {
			delete(m.hosts, h)
		}
	}
	for h := range wanted {
		if _, ok := m.hosts[h]; !ok {
			m.hosts[h] = &hostState{kind: Absent}
			if cached, err := loadCertificate(m.cacheDir, h); err == nil {
				m.hosts[h].kind = Ready
				m.hosts[h].cert = cached
				if len(cached.Certificate) > 0 {
					if leaf, err := parseLeaf(cached); err == nil {
						m.hosts[h].notAfter = leaf.NotAfter
					}
				}
			}
		}
	}
	m.rebuildCertMapLocked()
	m.mu.Unlock()
}

func (m *Manager) rebuildCertMapLocked() {
	next := make(map[string]*tls.Certificate, len(m.hosts))
	for h, st := range m.hosts {
		if st.kind == Ready || st.kind == Renewing {
			if st.cert != nil {
				next[h] = st.cert
			}
		}
	}
	m.certs.Store(&next)
}

func (m *Manager) publishChallengeLocked(host string, cert *tls.Certificate) {
	current := *m.challenges.Load()
	next := make(map[string]*tls.Certificate, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	if cert == nil {
		delete(next, host)
	} else {
		next[host] = cert
	}
	m.challenges.Store(&next)
}

// EnsureHost triggers asynchronous issuance for host if it is Absent,
// Renewing (its current certificate keeps serving meanwhile), or Failed
// with an expired backoff, and does nothing if an issuance is
// already inflight or a Ready certificate already exists — concurrent
// triggers for the same host coalesce to the one inflight operation.
func (m *Manager) EnsureHost(host string) {
	m.mu.Lock()
	st, ok := m.hosts[host]
	if !ok {
		st = &hostState{kind: Absent}
		m.hosts[host] = st
	}
	if st.inflight {
		m.mu.Unlock()
		return
	}
	if st.kind == Ready {
		m.mu.Unlock()
		return
	}
	if st.kind == Failed && time.Now().Before(st.retryAt) {
		m.mu.Unlock()
		return
	}
	st.inflight = true
	if st.kind != Renewing {
		st.kind = Requesting
	}
	m.mu.Unlock()

	go m.runIssuance(host)
}

func (m *Manager) runIssuance(host string) {
	ctx, cancel := context.WithTimeout(context.Background(), issueDeadline)
	defer cancel()

	cert, notAfter, err := m.issuer.Issue(ctx, host, func(c *tls.Certificate) {
		m.publishChallenge(host, c)
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.hosts[host]
	if st == nil {
		return
	}
	st.inflight = false
	m.publishChallengeLocked(host, nil)

	if err != nil {
		st.kind = Failed
		if st.backoff == 0 {
			st.backoff = time.Minute
		} else {
			st.backoff *= 2
			if st.backoff > maxBackoff {
				st.backoff = maxBackoff
			}
		}
		st.retryAt = time.Now().Add(st.backoff)
		m.logger.Errorw("acme issuance failed", "component", "acme", "host", host, "retry_at", st.retryAt, "error", err)
		m.rebuildCertMapLocked()
		return
	}

	st.kind = Ready
	st.cert = cert
	st.notAfter = notAfter
	st.backoff = 0
	m.logger.Infow("acme certificate issued", "component", "acme", "host", host, "not_after", notAfter)
	m.rebuildCertMapLocked()
}

// publishChallenge is called by the issuer mid-issuance to make the
// TLS-ALPN-01 challenge certificate visible to the TLS acceptor before
// the order is finalized.
func (m *Manager) publishChallenge(host string, cert *tls.Certificate) {
	m.mu.Lock()
	m.publishChallengeLocked(host, cert)
	m.mu.Unlock()
}

// Close stops the renewal scanner, if running.
func (m *Manager) Close() {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
}
