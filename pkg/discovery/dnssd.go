package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/brutella/dnssd"
	dnssdlog "github.com/brutella/dnssd/log"
)

// DNSSDBinding implements Binding and Announcer on top of brutella/dnssd.
// The library resolves instances while browsing, so Resolve is answered from
// what the browse has already seen.
type DNSSDBinding struct {
	cache *instanceCache
}

// NewDNSSDBinding creates a binding with the library's own logging silenced.
func NewDNSSDBinding() *DNSSDBinding {
	dnssdlog.Info.SetOutput(io.Discard)
	dnssdlog.Debug.SetOutput(io.Discard)

	return &DNSSDBinding{cache: newInstanceCache()}
}

func (b *DNSSDBinding) Browse(regType string, cb BrowseCallback) (Handle, error) {
	if regType == "" {
		return nil, errors.New("browse: empty service type")
	}
	service := fmt.Sprintf("%s.%s", strings.TrimSuffix(regType, "."), DefaultDomain)

	ctx, cancel := context.WithCancel(context.Background())
	h := newReplyHandle(func(r BrowseReply) { cb(r) }, cancel)

	addFn := func(e dnssd.BrowseEntry) {
		sd := NewServiceDescription(e.Name, e.Type, e.Domain)
		b.cache.update(sd, ResolveReply{
			FullName:   sd.String(),
			HostTarget: e.Host,
			Port:       e.Port,
			TXT:        FormatTXT(e.Text),
		})
		h.push(BrowseReply{Added: true, InterfaceIndex: interfaceIndex(e.IfaceName), Service: sd})
	}

	rmvFn := func(e dnssd.BrowseEntry) {
		sd := NewServiceDescription(e.Name, e.Type, e.Domain)
		b.cache.remove(sd)
		h.push(BrowseReply{Added: false, InterfaceIndex: interfaceIndex(e.IfaceName), Service: sd})
	}

	go func() {
		err := dnssd.LookupType(ctx, service, addFn, rmvFn)
		if err != nil && ctx.Err() == nil {
			slog.Warn("DNS-SD browse stopped", "service", service, "error", err)
			h.push(BrowseReply{Err: fmt.Errorf("mDNS lookup failed: %w", err)})
		}
	}()

	return h, nil
}

func (b *DNSSDBinding) Resolve(_ int, name, regType, domain string, cb ResolveCallback) (Handle, error) {
	return b.cache.resolve(NewServiceDescription(name, regType, domain), cb)
}

// Announce publishes service over mDNS until ctx is cancelled.
func (b *DNSSDBinding) Announce(ctx context.Context, serviceInfo ServiceInfo) error {
	cfg := dnssd.Config{
		Name:   serviceInfo.Name,
		Type:   serviceInfo.Type,
		Domain: strings.TrimSuffix(NormalizeDomain(serviceInfo.Domain), "."),
		// mdns will multicast to ip address, so we can leave it nil
		IPs:  nil,
		Text: serviceInfo.Text,
		Port: serviceInfo.Port,
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("failed to create mDNS responder: %w", err)
	}

	if _, err = rp.Add(service); err != nil {
		return fmt.Errorf("failed to add mDNS service: %w", err)
	}

	if err = rp.Respond(ctx); err != nil {
		// Context cancellation is not an error in normal operation
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to respond to mDNS service: %w", err)
	}

	slog.Info("Shutting down mDNS responder", "name", serviceInfo.Name)
	return nil
}

func interfaceIndex(name string) int {
	if name == "" {
		return 0
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0
	}
	return iface.Index
}
