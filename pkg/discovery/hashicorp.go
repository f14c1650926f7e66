package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	DefaultQueryInterval = 10 * time.Second
	DefaultQueryTimeout  = 2 * time.Second

	// an instance missing from this many consecutive queries is reported gone
	missedQueriesBeforeRemoval = 2
)

// HashicorpBinding implements Binding and Announcer with periodic hashicorp/mdns queries.
// The library has no continuous browse, so instances are diffed between
// query rounds.
type HashicorpBinding struct {
	Interval time.Duration
	Timeout  time.Duration

	cache *instanceCache
	query func(*mdns.QueryParam) error
}

// NewHashicorpBinding creates a binding using the default query cadence.
func NewHashicorpBinding() *HashicorpBinding {
	return &HashicorpBinding{
		Interval: DefaultQueryInterval,
		Timeout:  DefaultQueryTimeout,
		cache:    newInstanceCache(),
		query:    mdns.Query,
	}
}

func (b *HashicorpBinding) Browse(regType string, cb BrowseCallback) (Handle, error) {
	if regType == "" {
		return nil, errors.New("browse: empty service type")
	}
	regType = strings.TrimSuffix(regType, ".")

	ctx, cancel := context.WithCancel(context.Background())
	h := newReplyHandle(func(r BrowseReply) { cb(r) }, cancel)

	go b.browseLoop(ctx, regType, h)
	return h, nil
}

// browseLoop continuously queries for instances of regType
func (b *HashicorpBinding) browseLoop(ctx context.Context, regType string, h *replyHandle[BrowseReply]) {
	known := make(map[ServiceDescription]int) // description -> consecutive misses

	for {
		found, err := b.queryOnce(ctx, regType)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.push(BrowseReply{Err: fmt.Errorf("mDNS query failed: %w", err)})
			return
		}

		for sd, reply := range found {
			b.cache.update(sd, reply)
			if _, ok := known[sd]; !ok {
				h.push(BrowseReply{Added: true, Service: sd})
			}
			known[sd] = 0
		}

		for sd := range known {
			if _, ok := found[sd]; ok {
				continue
			}
			known[sd]++
			if known[sd] >= missedQueriesBeforeRemoval {
				delete(known, sd)
				b.cache.remove(sd)
				h.push(BrowseReply{Added: false, Service: sd})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Interval):
		}
	}
}

func (b *HashicorpBinding) queryOnce(ctx context.Context, regType string) (map[ServiceDescription]ResolveReply, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(map[ServiceDescription]ResolveReply)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			sd, ok := describeEntry(entry.Name, regType)
			if !ok {
				continue
			}
			found[sd] = ResolveReply{
				FullName:   entry.Name,
				HostTarget: entry.Host,
				Port:       entry.Port,
				TXT:        entry.InfoFields,
			}
		}
	}()

	params := &mdns.QueryParam{
		Service: regType,
		Domain:  strings.TrimSuffix(DefaultDomain, "."),
		Timeout: b.Timeout,
		Entries: entries,
	}
	err := b.query(params)
	close(entries)
	<-done

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return found, err
}

// describeEntry splits "Instance._sipfocus._udp.local." into its parts.
func describeEntry(fullName, regType string) (ServiceDescription, bool) {
	suffix := "." + regType + "." + DefaultDomain
	if !strings.HasSuffix(fullName, suffix) {
		return ServiceDescription{}, false
	}
	name := strings.TrimSuffix(fullName, suffix)
	if name == "" {
		return ServiceDescription{}, false
	}
	return NewServiceDescription(strings.ReplaceAll(name, `\ `, " "), regType, DefaultDomain), true
}

func (b *HashicorpBinding) Resolve(_ int, name, regType, domain string, cb ResolveCallback) (Handle, error) {
	return b.cache.resolve(NewServiceDescription(name, regType, domain), cb)
}

// Announce answers mDNS queries for service until ctx is cancelled.
func (b *HashicorpBinding) Announce(ctx context.Context, serviceInfo ServiceInfo) error {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("could not get hostname: %w", err)
	}

	zone, err := mdns.NewMDNSService(
		serviceInfo.Name,
		serviceInfo.Type,
		NormalizeDomain(serviceInfo.Domain),
		host+".",
		serviceInfo.Port,
		nil,
		FormatTXT(serviceInfo.Text),
	)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return fmt.Errorf("failed to start mDNS server: %w", err)
	}
	slog.Info("mDNS server started", "name", serviceInfo.Name, "type", serviceInfo.Type, "port", serviceInfo.Port)

	<-ctx.Done()
	slog.Info("Shutting down mDNS server", "name", serviceInfo.Name)
	return server.Shutdown()
}
