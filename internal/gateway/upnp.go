package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/huin/goupnp/soap"

	"github.com/portkeep/portkeep/internal/logger"
)

// upnpConn is the method set shared by every WAN*Connection client goupnp
// generates, so one backend covers IGDv1 and IGDv2, IP and PPP links.
type upnpConn interface {
	AddPortMappingCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string, NewInternalPort uint16, NewInternalClient string, NewEnabled bool, NewPortMappingDescription string, NewLeaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string) error
	GetGenericPortMappingEntryCtx(ctx context.Context, NewPortMappingIndex uint16) (NewRemoteHost string, NewExternalPort uint16, NewProtocol string, NewInternalPort uint16, NewInternalClient string, NewEnabled bool, NewPortMappingDescription string, NewLeaseDuration uint32, err error)
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
}

// UPnPClient talks to a UPnP Internet Gateway Device via goupnp.
type UPnPClient struct {
	discoveryTimeout time.Duration
	callTimeout      time.Duration

	mu  sync.Mutex
	svc upnpConn
	loc *url.URL
}

// UPnP error codes that indicate the gateway rejected the request itself
// rather than failing to process it. Retrying these cannot help.
var upnpPermanentCodes = map[int]bool{
	402: true, // Invalid Args
	606: true, // Action not authorized
	715: true, // WildCardNotPermittedInSrcIP
	716: true, // WildCardNotPermittedInExtPort
	718: true, // ConflictInMappingEntry
	724: true, // SamePortValuesRequired
	725: true, // OnlyPermanentLeasesSupported
}

const (
	upnpCodeArrayIndexInvalid = 713
	upnpCodeNoSuchEntry       = 714

	// Routers rarely hold more than a few dozen mappings; this bound only
	// guards against a device that never returns ArrayIndexInvalid.
	upnpMaxMappingEntries = 2048
)

// NewUPnPClient returns an undiscovered UPnP backend.
func NewUPnPClient(discoveryTimeout, callTimeout time.Duration) *UPnPClient {
	return &UPnPClient{
		discoveryTimeout: discoveryTimeout,
		callTimeout:      callTimeout,
	}
}

// Name implements Client.
func (c *UPnPClient) Name() string { return "upnp" }

// Discover locates an IGD, preferring IGDv2 over IGDv1 and IP links over PPP.
// The first service that answers wins.
func (c *UPnPClient) Discover(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.discoveryTimeout)
	defer cancel()

	svc, loc, err := discoverIGD(ctx)
	if err != nil {
		return unreachable("discover", err)
	}

	c.mu.Lock()
	c.svc = svc
	c.loc = loc
	c.mu.Unlock()

	logger.Info().
		Str("location", loc.String()).
		Msg("UPnP gateway discovered")
	return nil
}

func discoverIGD(ctx context.Context) (upnpConn, *url.URL, error) {
	if cs, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], cs[0].Location, nil
	}
	if cs, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], cs[0].Location, nil
	}
	if cs, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], cs[0].Location, nil
	}
	if cs, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(cs) > 0 {
		return cs[0], cs[0].Location, nil
	}
	return nil, nil, ErrNoGateway
}

func (c *UPnPClient) conn() (upnpConn, *url.URL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svc == nil {
		return nil, nil, unreachable("call", ErrNoGateway)
	}
	return c.svc, c.loc, nil
}

// ListMappings walks the gateway's mapping table entry by entry until the
// device reports the end of the array.
func (c *UPnPClient) ListMappings(ctx context.Context) ([]MappingRecord, error) {
	svc, _, err := c.conn()
	if err != nil {
		return nil, err
	}

	var records []MappingRecord
	for i := 0; i < upnpMaxMappingEntries; i++ {
		ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		_, extPort, proto, intPort, intClient, enabled, desc, lease, err := svc.GetGenericPortMappingEntryCtx(ctx, uint16(i))
		cancel()

		if err != nil {
			if code, ok := soapFaultCode(err); ok {
				switch code {
				case upnpCodeArrayIndexInvalid, upnpCodeNoSuchEntry:
					return records, nil
				case 402:
					// Some firmwares answer Invalid Args instead of
					// ArrayIndexInvalid once the index runs past the end.
					if i > 0 {
						return records, nil
					}
					return nil, permanent("list", err)
				}
				return nil, transient("list", err)
			}
			// No SOAP response at all: the gateway is not answering.
			return nil, unreachable("list", err)
		}

		if !enabled {
			continue
		}
		p, perr := ParseProtocol(proto)
		if perr != nil {
			continue
		}
		records = append(records, MappingRecord{
			ExternalPort: extPort,
			Protocol:     p,
			InternalAddr: net.ParseIP(intClient),
			InternalPort: intPort,
			Lease:        time.Duration(lease) * time.Second,
			Description:  desc,
		})
	}
	return records, nil
}

// AddMapping implements Client.
func (c *UPnPClient) AddMapping(ctx context.Context, rec MappingRecord) error {
	svc, _, err := c.conn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	err = svc.AddPortMappingCtx(ctx,
		"", // any remote host
		rec.ExternalPort,
		rec.Protocol.Wire(),
		rec.InternalPort,
		rec.InternalAddr.String(),
		true,
		rec.Description,
		uint32(rec.Lease/time.Second),
	)
	if err != nil {
		return classifyCall("add", err)
	}
	return nil
}

// DeleteMapping implements Client. A gateway reporting "no such entry" is
// treated as success so deletion stays idempotent.
func (c *UPnPClient) DeleteMapping(ctx context.Context, externalPort uint16, proto Protocol) error {
	svc, _, err := c.conn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	err = svc.DeletePortMappingCtx(ctx, "", externalPort, proto.Wire())
	if err != nil {
		if code, ok := soapFaultCode(err); ok && code == upnpCodeNoSuchEntry {
			return nil
		}
		return classifyCall("delete", err)
	}
	return nil
}

// LocalAddress resolves the LAN address this host uses to reach the gateway
// by opening a UDP socket toward the device's control URL. No packet is sent.
func (c *UPnPClient) LocalAddress(ctx context.Context) (net.IP, error) {
	_, loc, err := c.conn()
	if err != nil {
		return nil, err
	}

	host := loc.Host
	if loc.Port() == "" {
		host = net.JoinHostPort(loc.Hostname(), "1900")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", host)
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

// Close implements Client. goupnp clients hold no persistent connection, so
// this only drops the discovered service.
func (c *UPnPClient) Close() error {
	c.mu.Lock()
	c.svc = nil
	c.loc = nil
	c.mu.Unlock()
	return nil
}

// ExternalAddress implements Client.
func (c *UPnPClient) ExternalAddress(ctx context.Context) (net.IP, error) {
	svc, _, err := c.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	s, err := svc.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return nil, classifyCall("external-address", err)
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, transient("external-address", fmt.Errorf("gateway returned invalid address %q", s))
	}
	return ip, nil
}

// classifyCall maps an add/delete failure onto the error taxonomy: SOAP
// faults with a rejection code are permanent, everything else is transient.
func classifyCall(op string, err error) *Error {
	if code, ok := soapFaultCode(err); ok {
		if upnpPermanentCodes[code] {
			return permanent(op, err)
		}
		return transient(op, err)
	}
	return transient(op, err)
}

func soapFaultCode(err error) (int, bool) {
	var fault *soap.SOAPFaultError
	if errors.As(err, &fault) {
		return fault.Detail.UPnPError.Errorcode, true
	}
	return 0, false
}
