package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Transport is a SIP transport a conference focus can be reached over.
type Transport int

const (
	UDP Transport = iota
	TCP
	TLS
)

// All lists every transport in preference order.
var All = []Transport{UDP, TCP, TLS}

var ErrUnknownTransport = errors.New("unknown transport")

// String returns the lower-case name used in URIs and config files.
func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case TLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Parse converts a transport name, case-insensitively.
func Parse(name string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "udp":
		return UDP, nil
	case "tcp":
		return TCP, nil
	case "tls":
		return TLS, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
}

// Discoverable returns the transport a service is browsed on. TLS servers
// advertise themselves under the TCP service type.
func (t Transport) Discoverable() Transport {
	if t == TLS {
		return TCP
	}
	return t
}

// ServiceType returns the DNS-SD registration type browsed for t.
func (t Transport) ServiceType() string {
	return "_sipfocus._" + t.Discoverable().String()
}

// Set is a small ordered set of transports.
type Set uint8

// NewSet builds a set from the given transports.
func NewSet(ts ...Transport) Set {
	var s Set
	for _, t := range ts {
		s = s.Add(t)
	}
	return s
}

// ParseSet builds a set from transport names.
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, name := range names {
		t, err := Parse(name)
		if err != nil {
			return 0, err
		}
		s = s.Add(t)
	}
	return s, nil
}

func (s Set) Add(t Transport) Set { return s | 1<<uint(t) }
func (s Set) Remove(t Transport) Set { return s &^ (1 << uint(t)) }
func (s Set) Has(t Transport) bool { return s&(1<<uint(t)) != 0 }
func (s Set) Intersect(o Set) Set { return s & o }
func (s Set) Empty() bool { return s == 0 }
func (s Set) Equal(o Set) bool { return s == o }
func (s Set) Difference(o Set) Set { return s &^ o }

// Slice returns the members in preference order.
func (s Set) Slice() []Transport {
	out := make([]Transport, 0, len(All))
	for _, t := range All {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of members.
func (s Set) Len() int {
	return len(s.Slice())
}

func (s Set) String() string {
	names := make([]string, 0, len(All))
	for _, t := range s.Slice() {
		names = append(names, t.String())
	}
	return "[" + strings.Join(names, " ") + "]"
}

// Discoverable folds TLS into TCP, giving the set of service types that need
// an active browse.
func (s Set) Discoverable() Set {
	var out Set
	for _, t := range s.Slice() {
		out = out.Add(t.Discoverable())
	}
	return out
}
