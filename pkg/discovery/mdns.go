package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/grandcat/zeroconf"

	"github.com/yago-123/dapn/pkg/peer"
)

const (
	DefaultService         = "_dapn._tcp"
	DefaultDomain          = "local."
	DefaultRefreshInterval = 30 * time.Second
	DefaultScanTimeout     = 3 * time.Second

	txtIdentityKey = "user"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Rememberer stores the peers found on the local network
type Rememberer interface {
	Remember(id peer.Identity, addr peer.Address) error
}

type Option func(*config)

type config struct {
	service         string
	domain          string
	refreshInterval time.Duration
	scanTimeout     time.Duration
	logger          logr.Logger
}

func newDefaultConfig() *config {
	return &config{
		service:         DefaultService,
		domain:          DefaultDomain,
		refreshInterval: DefaultRefreshInterval,
		scanTimeout:     DefaultScanTimeout,
		logger:          logr.Discard(),
	}
}

func WithService(service string) Option {
	return func(cfg *config) {
		cfg.service = service
	}
}

func WithRefreshInterval(interval time.Duration) Option {
	return func(cfg *config) {
		if interval > 0 {
			cfg.refreshInterval = interval
		}
	}
}

func WithScanTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.scanTimeout = timeout
		}
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// MDNS announces the local peer on the LAN and remembers the peers it finds there
type MDNS struct {
	self peer.Identity
	port int
	dir  Rememberer

	register registerFunc
	browse   browseFunc

	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg    *config
	logger logr.Logger
}

func New(self peer.Identity, port uint16, dir Rememberer, opts ...Option) *MDNS {
	cfg := newDefaultConfig()

	for _, opt := range opts {
		opt(cfg)
	}

	return &MDNS{
		self:     self,
		port:     int(port),
		dir:      dir,
		register: zeroconf.Register,
		browse:   defaultBrowse,
		cfg:      cfg,
		logger:   cfg.logger.WithValues("service", cfg.service),
	}
}

func defaultBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Start registers the service and scans periodically until Stop is called
func (m *MDNS) Start() error {
	if m.self == "" {
		return errors.New("identity is required")
	}
	if m.port <= 0 {
		return errors.New("listening port must be > 0")
	}

	txt := []string{txtIdentityKey + "=" + string(m.self)}
	server, err := m.register(string(m.self), m.cfg.service, m.cfg.domain, m.port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	m.server = server

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("Announcing peer over mDNS", "port", m.port)
	return nil
}

func (m *MDNS) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.server != nil {
		m.server.Shutdown()
	}
}

func (m *MDNS) loop(ctx context.Context) {
	defer m.wg.Done()

	m.scan(ctx)

	ticker := time.NewTicker(m.cfg.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Scan browses once and returns the number of peers remembered
func (m *MDNS) Scan(ctx context.Context) (int, error) {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.scanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := 0
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if m.remember(entry) {
					found++
				}
			}
		}
	}()

	if err := m.browse(scanCtx, m.cfg.service, m.cfg.domain, entries); err != nil {
		cancel()
		<-done
		return found, err
	}

	<-scanCtx.Done()
	<-done

	return found, nil
}

func (m *MDNS) scan(ctx context.Context) {
	n, err := m.Scan(ctx)
	if err != nil {
		m.logger.Error(err, "mDNS scan failed")
		return
	}
	m.logger.V(1).Info("mDNS scan finished", "peers", n)
}

func (m *MDNS) remember(entry *zeroconf.ServiceEntry) bool {
	id, addr, ok := parseEntry(entry, m.self)
	if !ok {
		return false
	}

	if err := m.dir.Remember(id, addr); err != nil {
		m.logger.Error(err, "failed to remember discovered peer", "peer", id)
		return false
	}

	m.logger.V(1).Info("Discovered peer", "peer", id, "address", addr)
	return true
}

func parseEntry(entry *zeroconf.ServiceEntry, self peer.Identity) (peer.Identity, peer.Address, bool) {
	if entry == nil || entry.Port <= 0 || entry.Port > 0xffff {
		return "", peer.Address{}, false
	}

	var id peer.Identity
	for _, kv := range entry.Text {
		key, value, found := strings.Cut(kv, "=")
		if found && key == txtIdentityKey {
			id = peer.Identity(strings.TrimSpace(value))
		}
	}
	if id == "" || id == self {
		return "", peer.Address{}, false
	}

	for _, ip := range entry.AddrIPv4 {
		addr, ok := netip.AddrFromSlice(ip.To4())
		if !ok {
			continue
		}
		return id, netip.AddrPortFrom(addr, uint16(entry.Port)), true
	}

	return "", peer.Address{}, false
}
