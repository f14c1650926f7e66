package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultDomain = "local."
)

var (
	ErrInstanceNotFound = errors.New("service instance not found")
	ErrHandleClosed     = errors.New("handle closed")
)

// ServiceDescription is the stable identity of one advertised instance,
// independent of where it currently resolves to.
type ServiceDescription struct {
	Name    string // instance name, e.g. "Room 1"
	RegType string // registration type, e.g. "_sipfocus._udp"
	Domain  string // domain, e.g. "local."
}

// NewServiceDescription builds a description with the domain normalised to
// carry a trailing dot.
func NewServiceDescription(name, regType, domain string) ServiceDescription {
	return ServiceDescription{
		Name:    name,
		RegType: strings.TrimSuffix(regType, "."),
		Domain:  NormalizeDomain(domain),
	}
}

func (s ServiceDescription) String() string {
	return fmt.Sprintf("%s.%s.%s", s.Name, s.RegType, s.Domain)
}

// NormalizeDomain lower-cases a domain and makes sure it is fully qualified.
func NormalizeDomain(domain string) string {
	if domain == "" {
		return DefaultDomain
	}
	domain = strings.ToLower(domain)
	if !strings.HasSuffix(domain, ".") {
		domain += "."
	}
	return domain
}

// BrowseReply is one browse result: an instance appearing or going away, or
// a browse failure when Err is set.
type BrowseReply struct {
	Added          bool
	InterfaceIndex int
	Err            error
	Service        ServiceDescription
}

// ResolveReply carries the details of a resolved instance, or the failure.
type ResolveReply struct {
	Err        error
	FullName   string
	HostTarget string
	Port       int
	TXT        []string
}

type BrowseCallback func(BrowseReply)
type ResolveCallback func(ResolveReply)

// Handle is an open browse or resolve operation. Ready is signalled whenever
// replies are pending; ProcessResults delivers them to the callback on the
// caller's goroutine.
type Handle interface {
	Ready() <-chan struct{}
	ProcessResults() error
	Close() error
}

// Binding is a DNS-SD implementation.
type Binding interface {
	Browse(regType string, cb BrowseCallback) (Handle, error)
	Resolve(ifIndex int, name, regType, domain string, cb ResolveCallback) (Handle, error)
}

// ServiceInfo describes a service this host advertises.
type ServiceInfo struct {
	Name   string            // instance name
	Type   string            // service type, e.g., "_sipfocus._udp"
	Domain string            // domain, e.g., "local"
	Port   int               // service port
	Text   map[string]string // TXT record
}

// Announcer publishes a service until ctx is done.
type Announcer interface {
	Announce(ctx context.Context, service ServiceInfo) error
}
