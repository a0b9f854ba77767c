package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertiserPublishesStationAndRestaurant(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotText     []string
	)
	advertiser, err := NewAdvertiser(AdvertiserConfig{
		Instance:     "tableside-station-1",
		StationID:    "station-1",
		RestaurantID: "r1",
		Port:         8787,
		register: func(instance, service, _ string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotPort, gotText = instance, service, port, text
			return nil, nil
		},
	})
	require.NoError(t, err)

	advertisement, err := advertiser.Start()
	require.NoError(t, err)
	advertisement.Teardown()

	assert.Equal(t, "tableside-station-1", gotInstance)
	assert.Equal(t, ServiceType, gotService)
	assert.Equal(t, 8787, gotPort)
	assert.ElementsMatch(t, []string{"station=station-1", "restaurant=r1", "path=/ws"}, gotText)
}

func TestAdvertiserReportsRegistrationFailure(t *testing.T) {
	advertiser, err := NewAdvertiser(AdvertiserConfig{
		Instance: "tableside-station-1",
		Port:     8787,
		register: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("multicast unavailable")
		},
	})
	require.NoError(t, err)

	_, err = advertiser.Start()
	assert.Error(t, err)
}

func TestNewAdvertiserValidatesConfig(t *testing.T) {
	_, err := NewAdvertiser(AdvertiserConfig{Port: 8787})
	assert.ErrorIs(t, err, errMissingInstance)

	_, err = NewAdvertiser(AdvertiserConfig{Instance: "hub"})
	assert.ErrorIs(t, err, errMissingPort)
}

func TestHubFromEntryParsesTextRecords(t *testing.T) {
	entry := zeroconf.NewServiceEntry("tableside-station-1", ServiceType, Domain)
	entry.HostName = "hub.local."
	entry.Port = 8787
	entry.Text = []string{"station=station-1", "restaurant=r1", "path=/ws", "junk"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	hub := hubFromEntry(entry)
	assert.Equal(t, "station-1", hub.StationID)
	assert.Equal(t, "r1", hub.RestaurantID)
	assert.Equal(t, "ws://192.168.1.20:8787/ws", hub.URL())

	hub.Addresses = nil
	assert.Equal(t, "ws://hub.local:8787/ws", hub.URL())
}

func TestLocalAddressesExcludeLoopback(t *testing.T) {
	addresses, err := LocalAddresses()
	require.NoError(t, err)
	for _, address := range addresses {
		ip := net.ParseIP(address)
		require.NotNil(t, ip)
		assert.False(t, ip.IsLoopback())
		assert.NotNil(t, ip.To4())
	}
}
