// Package gateway defines the capability interface the daemon uses to talk
// to a NAT gateway, plus the error taxonomy shared by all backends.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Protocol is a transport protocol a port mapping applies to.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol normalizes a protocol string to a Protocol value.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "tcp", "TCP":
		return ProtocolTCP, nil
	case "udp", "UDP":
		return ProtocolUDP, nil
	}
	return "", fmt.Errorf("invalid protocol %q (must be tcp or udp)", s)
}

// Wire returns the upper-case form UPnP services expect on the wire.
func (p Protocol) Wire() string {
	if p == ProtocolUDP {
		return "UDP"
	}
	return "TCP"
}

// MappingRecord is one port mapping as reported by or asserted to the
// gateway. Lease of zero means the mapping never expires.
type MappingRecord struct {
	ExternalPort uint16
	Protocol     Protocol
	InternalAddr net.IP
	InternalPort uint16
	Lease        time.Duration
	Description  string
}

// Client is the narrow contract the reconciler consumes. Implementations are
// stateful: Discover resolves the gateway and must succeed before any other
// call. All calls honor the context deadline; a gateway that stops answering
// surfaces as ClassUnreachable and the caller is expected to rediscover.
type Client interface {
	// Discover locates the gateway. Safe to call again after a failure.
	Discover(ctx context.Context) error

	// ListMappings returns the gateway's full current mapping table.
	ListMappings(ctx context.Context) ([]MappingRecord, error)

	// AddMapping installs or refreshes a mapping. Re-adding an existing
	// mapping owned by the same internal client refreshes its lease.
	AddMapping(ctx context.Context, rec MappingRecord) error

	// DeleteMapping removes a mapping. Deleting a mapping that does not
	// exist is not an error.
	DeleteMapping(ctx context.Context, externalPort uint16, proto Protocol) error

	// LocalAddress resolves this host's LAN-facing address relative to the
	// gateway. Resolved per call, never cached, since the address can change.
	LocalAddress(ctx context.Context) (net.IP, error)

	// ExternalAddress returns the gateway's WAN address.
	ExternalAddress(ctx context.Context) (net.IP, error)

	// Name identifies the backend ("upnp", "natpmp") for logs and status.
	Name() string

	// Close releases the backend's gateway handle. The client returns to
	// its undiscovered state; Discover makes it usable again.
	Close() error
}

// Class partitions gateway call failures by how the caller should react.
type Class int

const (
	// ClassTransient failures (timeouts, gateway busy) are retried with
	// backoff within the reconciliation cycle.
	ClassTransient Class = iota

	// ClassPermanent failures (request rejected as invalid) are reported
	// and not retried until the offending rule changes.
	ClassPermanent

	// ClassUnreachable means no gateway is answering at all; the whole
	// cycle is aborted and discovery re-runs with backoff.
	ClassUnreachable
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassUnreachable:
		return "unreachable"
	default:
		return "transient"
	}
}

// Error wraps a failed gateway call with its failure class.
type Error struct {
	Op    string // "discover", "list", "add", "delete", ...
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrNoGateway is returned by Discover when no device answers in time.
var ErrNoGateway = errors.New("no gateway found")

// ClassOf extracts the failure class from an error chain. Unknown errors
// default to transient so they get retried rather than silently dropped.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	if errors.Is(err, ErrNoGateway) {
		return ClassUnreachable
	}
	return ClassTransient
}

// IsUnreachable reports whether err means the gateway is gone entirely.
func IsUnreachable(err error) bool {
	return err != nil && ClassOf(err) == ClassUnreachable
}

// IsPermanent reports whether err is a rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}

func transient(op string, err error) *Error {
	return &Error{Op: op, Class: ClassTransient, Err: err}
}

func permanent(op string, err error) *Error {
	return &Error{Op: op, Class: ClassPermanent, Err: err}
}

func unreachable(op string, err error) *Error {
	return &Error{Op: op, Class: ClassUnreachable, Err: err}
}
