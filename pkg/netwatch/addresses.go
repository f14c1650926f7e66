// Package netwatch publishes host network changes on the notification bus:
// interface address changes and wake-ups from system sleep.
package netwatch

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rescp17/focusd/pkg/notify"
)

const DefaultAddressPollInterval = 5 * time.Second

// Publisher is the part of the bus the watchers need.
type Publisher interface {
	Publish(notify.Notification)
}

// AddressSource lists the host's current addresses.
type AddressSource func() ([]string, error)

// InterfaceAddresses returns the unicast addresses of every interface that is
// up and not a loopback, sorted.
func InterfaceAddresses() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLinkLocalMulticast() {
				continue
			}
			addrs = append(addrs, ipNet.IP.String())
		}
	}
	slices.Sort(addrs)
	return slices.Compact(addrs), nil
}

// FirstIPv4 returns the first IPv4 address in addrs, or "" when there is none.
func FirstIPv4(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return a
		}
	}
	return ""
}

// AddressWatcher polls the address source and publishes AddressChanged
// whenever the sorted address set differs from the previous poll.
type AddressWatcher struct {
	bus      Publisher
	source   AddressSource
	clock    clock.Clock
	interval time.Duration

	current []string
}

// NewAddressWatcher creates a watcher over the host interfaces.
func NewAddressWatcher(bus Publisher, interval time.Duration) *AddressWatcher {
	if interval <= 0 {
		interval = DefaultAddressPollInterval
	}
	return &AddressWatcher{
		bus:      bus,
		source:   InterfaceAddresses,
		clock:    clock.New(),
		interval: interval,
	}
}

// WithSource replaces the address source.
func (w *AddressWatcher) WithSource(source AddressSource) *AddressWatcher {
	w.source = source
	return w
}

// WithClock replaces the clock driving the poll ticker.
func (w *AddressWatcher) WithClock(c clock.Clock) *AddressWatcher {
	w.clock = c
	return w
}

// Run polls until ctx is cancelled.
func (w *AddressWatcher) Run(ctx context.Context) error {
	addrs, err := w.source()
	if err != nil {
		slog.Warn("Failed to read initial addresses", "error", err)
	}
	w.current = slices.Sorted(slices.Values(addrs))

	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	slog.Debug("Address watcher started", "interval", w.interval, "addresses", len(addrs))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *AddressWatcher) check() {
	addrs, err := w.source()
	if err != nil {
		slog.Debug("Address poll failed", "error", err)
		return
	}
	addrs = slices.Clone(addrs)
	slices.Sort(addrs)
	if slices.Equal(addrs, w.current) {
		return
	}

	slog.Info("Network addresses changed", "old", w.current, "new", addrs)
	w.current = addrs
	w.bus.Publish(notify.AddressChanged{Addresses: slices.Clone(addrs)})
}
