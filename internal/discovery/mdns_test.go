// ABOUTME: Tests for mDNS discovery
// ABOUTME: Uses a fake query function so no multicast traffic is needed
package discovery

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func fakeQuery(entries ...*mdns.ServiceEntry) queryFunc {
	return func(p *mdns.QueryParam) error {
		for _, e := range entries {
			p.Entries <- e
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}
}

func TestEndpointFromEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  string
		ok    bool
	}{
		{
			name:  "defaults",
			entry: &mdns.ServiceEntry{Name: "tv", AddrV4: net.IPv4(192, 168, 1, 20), Port: 7681},
			want:  "ws://192.168.1.20:7681/cii",
			ok:    true,
		},
		{
			name: "txt overrides",
			entry: &mdns.ServiceEntry{
				Name: "tv", AddrV4: net.IPv4(10, 0, 0, 2), Port: 443,
				InfoFields: []string{"path=dvbcss/cii", "scheme=wss", "junk"},
			},
			want: "wss://10.0.0.2:443/dvbcss/cii",
			ok:   true,
		},
		{
			name:  "ipv6",
			entry: &mdns.ServiceEntry{Name: "tv", AddrV6: net.ParseIP("fe80::1"), Port: 80},
			want:  "ws://[fe80::1]:80/cii",
			ok:    true,
		},
		{
			name:  "host name only",
			entry: &mdns.ServiceEntry{Name: "tv", Host: "tv.local.", Port: 80},
			want:  "ws://tv.local:80/cii",
			ok:    true,
		},
		{
			name:  "unknown scheme ignored",
			entry: &mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 2), Port: 80, InfoFields: []string{"scheme=http"}},
			want:  "ws://10.0.0.2:80/cii",
			ok:    true,
		},
		{name: "no port", entry: &mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 2)}},
		{name: "no address", entry: &mdns.ServiceEntry{Port: 80}},
		{name: "nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, ok := endpointFromEntry(tt.entry)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, ep.URL)
		})
	}
}

func TestLookupDeduplicates(t *testing.T) {
	tv := &mdns.ServiceEntry{Name: "tv", AddrV4: net.IPv4(192, 168, 1, 20), Port: 7681}
	found, err := lookup(Config{}.withDefaults(), fakeQuery(tv, tv, &mdns.ServiceEntry{Name: "broken"}))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "tv", found[0].Name)
}

func TestLookupError(t *testing.T) {
	_, err := lookup(Config{}.withDefaults(), func(*mdns.QueryParam) error { return errors.New("no interface") })
	assert.ErrorContains(t, err, "no interface")
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, DefaultService, c.Service)
	assert.Equal(t, "local", c.Domain)
	assert.Equal(t, DefaultTimeout, c.Timeout)
}

func TestManagerReportsEachEndpointOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var queries atomic.Int32
	query := fakeQuery(
		&mdns.ServiceEntry{Name: "a", AddrV4: net.IPv4(10, 0, 0, 1), Port: 80},
		&mdns.ServiceEntry{Name: "b", AddrV4: net.IPv4(10, 0, 0, 2), Port: 80},
	)

	m := NewManager(Config{Timeout: 10 * time.Millisecond})
	m.query = func(p *mdns.QueryParam) error {
		queries.Add(1)
		return query(p)
	}
	m.Browse()

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case ep := <-m.Endpoints():
			assert.False(t, got[ep.Name], "endpoint %s reported twice", ep.Name)
			got[ep.Name] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for endpoints")
		}
	}

	require.Eventually(t, func() bool { return queries.Load() > 2 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	for ep := range m.Endpoints() {
		t.Fatalf("unexpected endpoint after stop: %v", ep)
	}
}

func TestStopWithoutBrowse(t *testing.T) {
	m := NewManager(Config{})
	m.Stop()
	_, ok := <-m.Endpoints()
	assert.False(t, ok)
}
