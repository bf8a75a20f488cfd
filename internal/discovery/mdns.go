// ABOUTME: mDNS discovery of content identification (CII) endpoints
// ABOUTME: Browses the LAN for TV devices advertising a CII WebSocket service
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultService is the service type TV devices advertise their CII endpoint under
	DefaultService = "_dvb-css-cii._tcp"

	// DefaultTimeout bounds one mDNS query
	DefaultTimeout = 3 * time.Second

	defaultPath   = "/cii"
	defaultScheme = "ws"
)

// Config holds discovery configuration
type Config struct {
	Service string        // default: DefaultService
	Domain  string        // default: "local"
	Timeout time.Duration // per query, default: DefaultTimeout
	Logger  *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = "local"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Endpoint describes a discovered CII endpoint
type Endpoint struct {
	Name string
	Host string
	Port int
	URL  string
}

// endpointFromEntry builds the CII URL from an mDNS answer. TXT records
// "path=" and "scheme=" override the defaults.
func endpointFromEntry(entry *mdns.ServiceEntry) (Endpoint, bool) {
	if entry == nil || entry.Port <= 0 {
		return Endpoint{}, false
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	case entry.Host != "":
		host = strings.TrimSuffix(entry.Host, ".")
	default:
		return Endpoint{}, false
	}

	path, scheme := defaultPath, defaultScheme
	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "path":
			if !strings.HasPrefix(value, "/") {
				value = "/" + value
			}
			path = value
		case "scheme":
			if value == "ws" || value == "wss" {
				scheme = value
			}
		}
	}

	return Endpoint{
		Name: entry.Name,
		Host: host,
		Port: entry.Port,
		URL:  fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(entry.Port)), path),
	}, true
}

type queryFunc func(*mdns.QueryParam) error

// Lookup runs a single query and returns every endpoint answered within the timeout
func Lookup(config Config) ([]Endpoint, error) {
	return lookup(config.withDefaults(), mdns.Query)
}

func lookup(config Config, query queryFunc) ([]Endpoint, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	collected := make(chan []Endpoint)

	go func() {
		seen := make(map[string]bool)
		var found []Endpoint
		for entry := range entries {
			ep, ok := endpointFromEntry(entry)
			if !ok || seen[ep.URL] {
				continue
			}
			seen[ep.URL] = true
			found = append(found, ep)
		}
		collected <- found
	}()

	err := query(&mdns.QueryParam{
		Service: config.Service,
		Domain:  config.Domain,
		Timeout: config.Timeout,
		Entries: entries,
	})
	close(entries)
	found := <-collected

	if err != nil {
		return found, fmt.Errorf("mdns query failed: %w", err)
	}
	return found, nil
}

// Manager browses continuously and reports each endpoint once
type Manager struct {
	config Config
	log    zerolog.Logger
	query  queryFunc

	ctx       context.Context
	cancel    context.CancelFunc
	endpoints chan Endpoint
	wg        sync.WaitGroup
	once      sync.Once
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	config = config.withDefaults()
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:    config,
		log:       logger.With().Str("component", "discovery").Logger(),
		query:     mdns.Query,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(chan Endpoint, 10),
	}
}

// Browse starts searching in the background
func (m *Manager) Browse() {
	m.once.Do(func() {
		m.wg.Add(1)
		go m.browseLoop()
	})
}

func (m *Manager) browseLoop() {
	defer m.wg.Done()
	defer close(m.endpoints)

	reported := make(map[string]bool)
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		found, err := lookup(m.config, m.query)
		if err != nil {
			m.log.Warn().Err(err).Msg("browse failed")
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(m.config.Timeout):
			}
			continue
		}

		for _, ep := range found {
			if reported[ep.URL] {
				continue
			}
			reported[ep.URL] = true
			m.log.Info().Str("name", ep.Name).Str("url", ep.URL).Msg("discovered CII endpoint")

			select {
			case m.endpoints <- ep:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

// Endpoints returns the channel of discovered endpoints. It is closed by Stop.
func (m *Manager) Endpoints() <-chan Endpoint {
	return m.endpoints
}

// Stop ends browsing and waits for the in-flight query
func (m *Manager) Stop() {
	m.cancel()
	m.once.Do(func() { close(m.endpoints) })
	m.wg.Wait()
}
