package sipuri

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/rescp17/focusd/pkg/transport"
)

var ErrInvalidURI = errors.New("invalid SIP URI")

// URI is a parsed sip: or sips: URI. Only the parts needed to identify a
// conference focus are kept: password and headers (?...) are dropped.
type URI struct {
	Secure bool
	User   string
	Host   string
	Port   int
	Params map[string]string
}

// Parse parses a SIP URI such as "sip:room@10.0.0.5:5060;transport=udp".
// Surrounding angle brackets are tolerated.
func Parse(raw string) (URI, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")

	// sip.ParseUri treats a missing scheme as a bare user@host
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		return URI{}, fmt.Errorf("%w: %q: missing sip scheme", ErrInvalidURI, raw)
	}
	scheme := strings.IndexByte(s, ':') + 1
	s = lower[:scheme] + s[scheme:]

	if err := checkIPv6Reference(s); err != nil {
		return URI{}, fmt.Errorf("%w: %q: %v", ErrInvalidURI, raw, err)
	}

	var su sip.Uri
	if err := sip.ParseUri(s, &su); err != nil {
		return URI{}, fmt.Errorf("%w: %q: %v", ErrInvalidURI, raw, err)
	}

	host, err := normalizeHost(su.Host)
	if err != nil {
		return URI{}, fmt.Errorf("%w: %q: %v", ErrInvalidURI, raw, err)
	}
	if su.Port < 0 || su.Port > 65535 {
		return URI{}, fmt.Errorf("%w: %q: bad port %d", ErrInvalidURI, raw, su.Port)
	}

	u := URI{
		Secure: strings.HasPrefix(lower, "sips:"),
		User:   su.User,
		Host:   host,
		Port:   su.Port,
	}
	for _, k := range su.UriParams.Keys() {
		v, _ := su.UriParams.Get(k)
		if u.Params == nil {
			u.Params = make(map[string]string)
		}
		u.Params[strings.ToLower(k)] = v
	}
	return u, nil
}

// checkIPv6Reference validates a bracketed host before it reaches the
// parser, which does not check the address itself.
func checkIPv6Reference(s string) error {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return nil
	}
	end := strings.IndexByte(s[start:], ']')
	if end < 0 {
		return errors.New("unterminated IPv6 reference")
	}
	if addr := s[start+1 : start+end]; net.ParseIP(addr) == nil {
		return fmt.Errorf("bad IPv6 address %q", addr)
	}
	return nil
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", errors.New("empty host")
	}
	return host, nil
}

// Transport returns the transport the URI should be reached over: the
// explicit transport parameter when present, TLS for sips, UDP otherwise.
func (u URI) Transport() (transport.Transport, error) {
	if name, ok := u.Params["transport"]; ok {
		return transport.Parse(name)
	}
	if u.Secure {
		return transport.TLS, nil
	}
	return transport.UDP, nil
}

// String renders the URI in canonical form, parameters sorted by name.
func (u URI) String() string {
	var b strings.Builder
	if u.Secure {
		b.WriteString("sips:")
	} else {
		b.WriteString("sip:")
	}
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	if strings.Contains(u.Host, ":") {
		b.WriteString("[" + u.Host + "]")
	} else {
		b.WriteString(u.Host)
	}
	if u.Port != 0 {
		b.WriteString(":" + strconv.Itoa(u.Port))
	}

	keys := make([]string, 0, len(u.Params))
	for k := range u.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(';')
		b.WriteString(k)
		if v := u.Params[k]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// Equal compares two URIs by their canonical form, ignoring host case.
func (u URI) Equal(o URI) bool {
	u.Host = strings.ToLower(u.Host)
	o.Host = strings.ToLower(o.Host)
	return u.String() == o.String()
}
