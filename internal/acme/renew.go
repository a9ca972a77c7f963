package acme

import "time"

// renewScanInterval is how often the background scanner looks for hosts
// whose certificate is due for renewal. The scan itself is cheap (an
// in-memory map walk under Manager.mu); actual renewal work happens in
// the same asynchronous issuance path EnsureHost uses.
const renewScanInterval = time.Hour

// StartRenewalScanner runs a ticker-driven background goroutine that
// moves Ready hosts with less than renewalThreshold of remaining lifetime
// into Renewing and re-triggers issuance for them, the same idle-sweep
// ticker shape as any other periodic cleanup loop. It returns
// immediately; the goroutine exits when Close is called.
func (m *Manager) StartRenewalScanner() {
	go m.renewalLoop()
}

func (m *Manager) renewalLoop() {
	ticker := time.NewTicker(renewScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.scanForRenewal()
		}
	}
}

func (m *Manager) scanForRenewal() {
	now := time.Now()

	m.mu.Lock()
	due := make([]string, 0)
	for host, st := range m.hosts {
		if st.kind != Ready || st.inflight {
			continue
		}
		if st.notAfter.IsZero() {
			continue
		}
		if st.notAfter.Sub(now) < renewalThreshold {
			st.kind = Renewing
			due = append(due, host)
		}
	}
	m.mu.Unlock()

	for _, host := range due {
		m.logger.Infow("certificate due for renewal", "component", "acme", "host", host)
		m.EnsureHost(host)
	}
}
