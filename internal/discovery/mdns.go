// Package discovery publishes the hub on the premises network over mDNS and
// lets devices find it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tableside/internal/orders"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is the DNS-SD service the hub advertises.
	ServiceType = "_tableside-hub._tcp"
	// Domain is the mDNS domain.
	Domain = "local."

	defaultBrowseTimeout = 3 * time.Second
	websocketPath        = "/ws"

	txtStation    = "station"
	txtRestaurant = "restaurant"
	txtPath       = "path"
)

var (
	// ErrNoHub reports a browse that found no matching hub.
	ErrNoHub = errors.New("discovery: no hub found")

	errMissingPort     = errors.New("advertised port must be positive")
	errMissingInstance = errors.New("instance name is required")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// AdvertiserConfig describes what the hub publishes.
type AdvertiserConfig struct {
	Instance     string
	StationID    string
	RestaurantID string
	Port         int
	Logger       *zap.Logger

	register registerFunc
}

// Advertiser publishes one hub instance.
type Advertiser struct {
	config   AdvertiserConfig
	logger   *zap.Logger
	register registerFunc
}

// Advertisement is a running publication.
type Advertisement struct {
	Addresses []string
	Teardown  func()
}

// NewAdvertiser validates the configuration.
func NewAdvertiser(cfg AdvertiserConfig) (*Advertiser, error) {
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, orders.NewServiceError("discovery.new", "missing_instance", errMissingInstance)
	}
	if cfg.Port <= 0 {
		return nil, orders.NewServiceError("discovery.new", "missing_port", errMissingPort)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	register := cfg.register
	if register == nil {
		register = zeroconf.Register
	}
	return &Advertiser{config: cfg, logger: logger, register: register}, nil
}

// Start registers the service. The hub keeps running when this fails.
func (a *Advertiser) Start() (Advertisement, error) {
	text := []string{
		txtStation + "=" + a.config.StationID,
		txtRestaurant + "=" + a.config.RestaurantID,
		txtPath + "=" + websocketPath,
	}
	server, err := a.register(a.config.Instance, ServiceType, Domain, a.config.Port, text, nil)
	if err != nil {
		return Advertisement{}, orders.NewServiceError("discovery.start", "register_failed", err)
	}
	addresses, err := LocalAddresses()
	if err != nil {
		a.logger.Warn("local address lookup failed", zap.Error(err))
	}
	a.logger.Info("hub advertised",
		zap.String("instance", a.config.Instance),
		zap.String("service", ServiceType),
		zap.Int("port", a.config.Port),
		zap.Strings("addresses", addresses))
	return Advertisement{
		Addresses: addresses,
		Teardown: func() {
			if server != nil {
				server.Shutdown()
			}
		},
	}, nil
}

// LocalAddresses lists non-loopback IPv4 addresses of interfaces that are up.
func LocalAddresses() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var addresses []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil || ipNet.IP.IsLoopback() {
				continue
			}
			addresses = append(addresses, ipNet.IP.String())
		}
	}
	sort.Strings(addresses)
	return addresses, nil
}

// Hub is one discovered hub.
type Hub struct {
	Instance     string   `json:"instance"`
	StationID    string   `json:"stationId"`
	RestaurantID string   `json:"restaurantId"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Path         string   `json:"path"`
	Addresses    []string `json:"addresses"`
}

// URL returns the websocket endpoint, preferring a literal address over the host name.
func (h Hub) URL() string {
	host := strings.TrimSuffix(h.Host, ".")
	if len(h.Addresses) > 0 {
		host = h.Addresses[0]
	}
	path := h.Path
	if path == "" {
		path = websocketPath
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(h.Port)) + path
}

func hubFromEntry(entry *zeroconf.ServiceEntry) Hub {
	hub := Hub{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
	}
	for _, record := range entry.Text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch key {
		case txtStation:
			hub.StationID = value
		case txtRestaurant:
			hub.RestaurantID = value
		case txtPath:
			hub.Path = value
		}
	}
	for _, ip := range entry.AddrIPv4 {
		hub.Addresses = append(hub.Addresses, ip.String())
	}
	return hub
}

// Browse collects hubs answering within timeout. A non-empty restaurantID
// keeps only hubs serving that restaurant.
func Browse(ctx context.Context, timeout time.Duration, restaurantID string) ([]Hub, error) {
	if timeout <= 0 {
		timeout = defaultBrowseTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, orders.NewServiceError("discovery.browse", "resolver_failed", err)
	}
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu   sync.Mutex
		hubs []Hub
	)
	go func() {
		for {
			select {
			case <-browseCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				hub := hubFromEntry(entry)
				if restaurantID != "" && hub.RestaurantID != restaurantID {
					continue
				}
				mu.Lock()
				hubs = append(hubs, hub)
				mu.Unlock()
			}
		}
	}()
	if err := resolver.Browse(browseCtx, ServiceType, Domain, entries); err != nil {
		return nil, orders.NewServiceError("discovery.browse", "browse_failed", err)
	}
	<-browseCtx.Done()

	mu.Lock()
	found := append([]Hub(nil), hubs...)
	mu.Unlock()
	sort.Slice(found, func(i, j int) bool { return found[i].Instance < found[j].Instance })
	return found, nil
}

// Resolver returns a lookup that yields the first hub of restaurantID, for
// devices configured without a fixed hub address.
func Resolver(restaurantID string, timeout time.Duration) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		hubs, err := Browse(ctx, timeout, restaurantID)
		if err != nil {
			return "", err
		}
		if len(hubs) == 0 {
			return "", fmt.Errorf("%w for restaurant %s", ErrNoHub, restaurantID)
		}
		return hubs[0].URL(), nil
	}
}
