package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ZeroconfBinding implements Binding and Announcer with grandcat/zeroconf.
// Browse entries already carry the resolved record, so resolves are answered
// from a cache like the other bindings.
type ZeroconfBinding struct {
	cache       *instanceCache
	newResolver func() (*zeroconf.Resolver, error)
}

func NewZeroconfBinding() *ZeroconfBinding {
	return &ZeroconfBinding{
		cache: newInstanceCache(),
		newResolver: func() (*zeroconf.Resolver, error) {
			return zeroconf.NewResolver(nil)
		},
	}
}

func (b *ZeroconfBinding) Browse(regType string, cb BrowseCallback) (Handle, error) {
	if regType == "" {
		return nil, errors.New("browse: empty service type")
	}
	regType = strings.TrimSuffix(regType, ".")

	resolver, err := b.newResolver()
	if err != nil {
		return nil, fmt.Errorf("failed to create zeroconf resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := newReplyHandle(func(r BrowseReply) { cb(r) }, cancel)

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, regType, DefaultDomain, entries); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to browse %s: %w", regType, err)
	}

	go b.consume(ctx, h, entries)
	return h, nil
}

func (b *ZeroconfBinding) consume(ctx context.Context, h *replyHandle[BrowseReply], entries <-chan *zeroconf.ServiceEntry) {
	seen := make(map[ServiceDescription]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			sd, reply := zeroconfReply(entry)

			// a zero TTL is a goodbye packet
			if entry.TTL == 0 {
				if _, known := seen[sd]; known {
					delete(seen, sd)
					b.cache.remove(sd)
					h.push(BrowseReply{Added: false, Service: sd})
				}
				continue
			}

			b.cache.update(sd, reply)
			if _, known := seen[sd]; !known {
				seen[sd] = struct{}{}
				h.push(BrowseReply{Added: true, Service: sd})
			}
		}
	}
}

// zeroconfReply converts an entry into the instance identity and resolve
// result it describes.
func zeroconfReply(entry *zeroconf.ServiceEntry) (ServiceDescription, ResolveReply) {
	sd := NewServiceDescription(entry.Instance, entry.Service, entry.Domain)
	return sd, ResolveReply{
		FullName:   sd.String(),
		HostTarget: entry.HostName,
		Port:       entry.Port,
		TXT:        entry.Text,
	}
}

func (b *ZeroconfBinding) Resolve(_ int, name, regType, domain string, cb ResolveCallback) (Handle, error) {
	return b.cache.resolve(NewServiceDescription(name, regType, domain), cb)
}

// Announce registers service with the zeroconf responder until ctx is
// cancelled.
func (b *ZeroconfBinding) Announce(ctx context.Context, serviceInfo ServiceInfo) error {
	server, err := zeroconf.Register(
		serviceInfo.Name,
		serviceInfo.Type,
		NormalizeDomain(serviceInfo.Domain),
		serviceInfo.Port,
		FormatTXT(serviceInfo.Text),
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register zeroconf service: %w", err)
	}
	slog.Info("Zeroconf responder started", "name", serviceInfo.Name, "type", serviceInfo.Type, "port", serviceInfo.Port)

	<-ctx.Done()
	server.Shutdown()
	slog.Info("Shutting down zeroconf responder", "name", serviceInfo.Name)
	return nil
}
