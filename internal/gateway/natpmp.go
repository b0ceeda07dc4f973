package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/portkeep/portkeep/internal/logger"
)

// NATPMPClient is the NAT-PMP fallback backend for gateways without UPnP.
//
// NAT-PMP has no operation to enumerate the gateway's mapping table, so this
// backend tracks the mappings it asserted itself and reports those from
// ListMappings. Mappings created by anything else are invisible: a collision
// with a foreign mapping surfaces as an add failure rather than a conflict
// outcome.
type NATPMPClient struct {
	callTimeout time.Duration

	mu        sync.Mutex
	client    *natpmp.Client
	gatewayIP net.IP
	asserted  map[mappingKey]MappingRecord
}

type mappingKey struct {
	externalPort uint16
	protocol     Protocol
}

// NewNATPMPClient returns an undiscovered NAT-PMP backend.
func NewNATPMPClient(callTimeout time.Duration) *NATPMPClient {
	return &NATPMPClient{
		callTimeout: callTimeout,
		asserted:    make(map[mappingKey]MappingRecord),
	}
}

// Name implements Client.
func (c *NATPMPClient) Name() string { return "natpmp" }

// Discover resolves the default route gateway and probes it for NAT-PMP by
// requesting the external address.
func (c *NATPMPClient) Discover(ctx context.Context) error {
	ip, err := gateway.DiscoverGateway()
	if err != nil {
		return unreachable("discover", fmt.Errorf("resolve default gateway: %w", err))
	}

	client := natpmp.NewClientWithTimeout(ip, c.callTimeout)
	if _, err := client.GetExternalAddress(); err != nil {
		return unreachable("discover", fmt.Errorf("gateway %s does not answer NAT-PMP: %w", ip, err))
	}

	c.mu.Lock()
	c.client = client
	c.gatewayIP = ip
	c.mu.Unlock()

	logger.Info().
		Str("gateway", ip.String()).
		Msg("NAT-PMP gateway discovered")
	return nil
}

func (c *NATPMPClient) conn() (*natpmp.Client, net.IP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, nil, unreachable("call", ErrNoGateway)
	}
	return c.client, c.gatewayIP, nil
}

// ListMappings returns this backend's own asserted mappings. See the type
// comment for why the real table cannot be read.
func (c *NATPMPClient) ListMappings(ctx context.Context) ([]MappingRecord, error) {
	if _, _, err := c.conn(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]MappingRecord, 0, len(c.asserted))
	for _, rec := range c.asserted {
		records = append(records, rec)
	}
	return records, nil
}

// AddMapping implements Client. NAT-PMP lets the gateway assign a different
// external port than requested; a rule pinned to a specific external port
// cannot accept that, so the substitute is released and the add fails.
func (c *NATPMPClient) AddMapping(ctx context.Context, rec MappingRecord) error {
	client, _, err := c.conn()
	if err != nil {
		return err
	}

	res, err := client.AddPortMapping(
		string(rec.Protocol),
		int(rec.InternalPort),
		int(rec.ExternalPort),
		int(rec.Lease/time.Second),
	)
	if err != nil {
		return transient("add", err)
	}

	if res.MappedExternalPort != rec.ExternalPort {
		_, _ = client.AddPortMapping(string(rec.Protocol), int(rec.InternalPort), 0, 0)
		return permanent("add", fmt.Errorf(
			"gateway assigned external port %d instead of %d (port taken)",
			res.MappedExternalPort, rec.ExternalPort))
	}

	rec.Lease = time.Duration(res.PortMappingLifetimeInSeconds) * time.Second

	c.mu.Lock()
	c.asserted[mappingKey{rec.ExternalPort, rec.Protocol}] = rec
	c.mu.Unlock()
	return nil
}

// DeleteMapping implements Client. NAT-PMP deletes by sending a zero-lifetime
// request for the internal port; an unknown mapping is already gone.
func (c *NATPMPClient) DeleteMapping(ctx context.Context, externalPort uint16, proto Protocol) error {
	client, _, err := c.conn()
	if err != nil {
		return err
	}

	key := mappingKey{externalPort, proto}
	c.mu.Lock()
	rec, ok := c.asserted[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := client.AddPortMapping(string(proto), int(rec.InternalPort), 0, 0); err != nil {
		return transient("delete", err)
	}

	c.mu.Lock()
	delete(c.asserted, key)
	c.mu.Unlock()
	return nil
}

// LocalAddress resolves the LAN address facing the gateway.
func (c *NATPMPClient) LocalAddress(ctx context.Context) (net.IP, error) {
	_, gw, err := c.conn()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(gw.String(), "5351"))
	if err != nil {
		return nil, transient("local-address", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, transient("local-address", fmt.Errorf("unexpected local address %v", conn.LocalAddr()))
	}
	return addr.IP, nil
}

// Close implements Client. The shadow table is kept so a rediscovered
// gateway still knows which mappings this daemon asserted.
func (c *NATPMPClient) Close() error {
	c.mu.Lock()
	c.client = nil
	c.gatewayIP = nil
	c.mu.Unlock()
	return nil
}

// ExternalAddress implements Client.
func (c *NATPMPClient) ExternalAddress(ctx context.Context) (net.IP, error) {
	client, _, err := c.conn()
	if err != nil {
		return nil, err
	}

	res, err := client.GetExternalAddress()
	if err != nil {
		return nil, transient("external-address", err)
	}
	ip := res.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
}
