// Package connectivity decides whether the cloud is reachable by combining a
// passive link signal with an active HTTP probe.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/events"
	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"go.uber.org/zap"
)

const (
	// ProbeTimeout bounds every active probe.
	ProbeTimeout = 5 * time.Second

	defaultProbeInterval = 15 * time.Second
	eventSource          = "connectivity"
)

var (
	errMissingProber   = errors.New("connectivity prober is required")
	errMissingProbeURL = errors.New("probe url is required")
)

// Prober performs one active reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber issues a GET against a well-known endpoint. Any non-5xx reply counts as reachable.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber constructs an HTTPProber.
func NewHTTPProber(url string, client *http.Client) (*HTTPProber, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errMissingProbeURL
	}
	if client == nil {
		client = &http.Client{Timeout: ProbeTimeout}
	}
	return &HTTPProber{url: strings.TrimSpace(url), client: client}, nil
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return err
	}
	response, err := p.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %w", orders.ErrTransientNetwork, err)
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: probe status %d", orders.ErrTransientNetwork, response.StatusCode)
	}
	return nil
}

// InterfacesUp reports whether any non-loopback interface is up with an address.
func InterfacesUp() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Config describes the Monitor dependencies.
type Config struct {
	Prober   Prober
	Passive  func() bool
	Bus      *events.Bus
	Logger   *zap.Logger
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor tracks online state. Online requires both a passive link and a
// successful probe, so a captive portal never reads as online.
type Monitor struct {
	prober   Prober
	passiveF func() bool
	bus      *events.Bus
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	// notifyMu orders transitions so listeners see them in the order they happened.
	notifyMu sync.Mutex

	mu        sync.Mutex
	passive   bool
	probeOK   bool
	online    bool
	listeners map[int]func(bool)
	nextID    int
}

// NewMonitor constructs a Monitor that starts offline until the first probe succeeds.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, orders.NewServiceError("connectivity.new", "missing_prober", errMissingProber)
	}
	monitor := &Monitor{
		prober:    cfg.Prober,
		passiveF:  cfg.Passive,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		passive:   true,
		listeners: make(map[int]func(bool)),
	}
	if monitor.logger == nil {
		monitor.logger = zap.NewNop()
	}
	if monitor.interval <= 0 {
		monitor.interval = defaultProbeInterval
	}
	if monitor.timeout <= 0 || monitor.timeout > ProbeTimeout {
		monitor.timeout = ProbeTimeout
	}
	return monitor, nil
}

// Online reports the current combined state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Listen registers fn for online/offline transitions. The returned func removes it.
func (m *Monitor) Listen(fn func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetPassive records the platform link signal. Going down is effective at
// once; coming up waits for the next probe.
func (m *Monitor) SetPassive(up bool) {
	m.mu.Lock()
	m.passive = up
	if !up {
		m.probeOK = false
	}
	m.mu.Unlock()
	m.recompute()
}

// Check runs one probe and returns the resulting online state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.passiveF != nil {
		m.mu.Lock()
		m.passive = m.passiveF()
		m.mu.Unlock()
	}
	m.mu.Lock()
	passive := m.passive
	m.mu.Unlock()

	ok := false
	if passive {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.prober.Probe(probeCtx)
		cancel()
		ok = err == nil
		if err != nil && ctx.Err() == nil {
			m.logger.Debug("connectivity probe failed", zap.Error(err))
		}
	}
	m.mu.Lock()
	m.probeOK = ok
	m.mu.Unlock()
	return m.recompute()
}

// Run probes on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// recompute must not be reached from a listener.
func (m *Monitor) recompute() bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	next := m.passive && m.probeOK
	changed := next != m.online
	m.online = next
	listeners := make([]func(bool), 0, len(m.listeners))
	if changed {
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return next
	}
	if next {
		m.logger.Info("network online")
		m.bus.Emit(events.Online, eventSource, nil)
	} else {
		m.logger.Info("network offline")
		m.bus.Emit(events.Offline, eventSource, nil)
	}
	for _, fn := range listeners {
		fn(next)
	}
	return next
}
