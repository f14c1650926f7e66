package focus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/notify"
	"github.com/rescp17/focusd/pkg/settings"
	"github.com/rescp17/focusd/pkg/transport"
)

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, &fakeSettings{}, &fakeAccount{}, notify.NewBus())
	assert.Error(t, err)

	_, err = New(newFakeBinding(), &fakeSettings{}, &fakeAccount{}, notify.NewBus(), WithRetryDelay(0))
	assert.Error(t, err)
}

func TestEngineLifecycle(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.engine.Stop(), ErrNotStarted)
	assert.ErrorIs(t, h.engine.RestartDiscovery(), ErrNotStarted)

	h.start()
	assert.ErrorIs(t, h.engine.Start(), ErrAlreadyStarted)
	subscriptions := h.bus.SubscriptionCount()

	require.NoError(t, h.engine.Stop())
	assert.ErrorIs(t, h.engine.Stop(), ErrNotStarted)
	assert.Equal(t, subscriptions-3, h.bus.SubscriptionCount(), "system subscriptions are dropped")
	assert.Empty(t, h.binding.openBrowses())

	// the engine can be started again
	h.start()
	assert.ElementsMatch(t, []string{udpType, tcpType}, h.binding.openBrowses())
}

func TestEngineConcurrentStop(t *testing.T) {
	h := newHarness(t)
	h.start()

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.engine.Stop()
		}()
	}
	wg.Wait()
	close(results)

	stopped := 0
	for err := range results {
		if err == nil {
			stopped++
			continue
		}
		assert.ErrorIs(t, err, ErrNotStarted)
	}
	assert.Equal(t, 1, stopped)
}

func TestDiscoverBrowsesDiscoverableTransports(t *testing.T) {
	tests := []struct {
		name        string
		allowed     transport.Set
		certificate bool
		account     transport.Set
		want        []string
	}{
		{
			name:        "tls folds into tcp",
			allowed:     transport.NewSet(transport.All...),
			certificate: true,
			account:     transport.NewSet(transport.All...),
			want:        []string{udpType, tcpType},
		},
		{
			name:        "tls only with certificate",
			allowed:     transport.NewSet(transport.TLS),
			certificate: true,
			account:     transport.NewSet(transport.All...),
			want:        []string{tcpType},
		},
		{
			name:    "tls without certificate",
			allowed: transport.NewSet(transport.TLS),
			account: transport.NewSet(transport.All...),
			want:    nil,
		},
		{
			name:        "restricted to account transports",
			allowed:     transport.NewSet(transport.All...),
			certificate: true,
			account:     transport.NewSet(transport.UDP),
			want:        []string{udpType},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.settings.set(func(s *settings.Settings) {
				s.Transports = tt.allowed
				s.CertificatePresent = tt.certificate
			})
			h.account.transports = tt.account

			h.start()

			assert.ElementsMatch(t, tt.want, h.binding.openBrowses())
			assert.Len(t, h.rec.named(notify.NameWillInitiateDiscovery), len(tt.want))
		})
	}
}

func TestDiscoverIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.resolved(udpType, "A", "Room", "<sip:room@10.0.0.5:5060;transport=udp>")
	h.eventually(func() bool { return len(h.engine.Servers()) == 1 }, "server not registered")
	h.rec.reset()

	for i := 0; i < 3; i++ {
		h.bus.Publish(notify.SettingsChanged{})
	}
	h.quiesce()

	assert.Equal(t, 1, h.binding.browseCount(udpType))
	assert.Equal(t, 1, h.binding.browseCount(tcpType))
	assert.Equal(t, len(h.rec.named(notify.NameSettingsChanged)), h.rec.count(), "nothing but the settings changes")
	assert.Len(t, h.engine.Servers(), 1)
}

func TestResolvedServerIsAdded(t *testing.T) {
	h := newHarness(t)
	h.start()

	sd := h.resolved(udpType, "A", "Room", "<sip:room@10.0.0.5:5060;transport=udp>")
	h.eventually(func() bool { return len(h.rec.named(notify.NameServerAdded)) > 0 }, "no ServerAdded")

	added := h.rec.named(notify.NameServerAdded)
	require.Len(t, added, 1)
	assert.Equal(t, notify.ServerAdded{
		Service:     discovery.NewServiceDescription("A", "_sipfocus._udp", "local."),
		Host:        "10.0.0.5",
		DisplayName: "Room",
		URI:         "sip:room@10.0.0.5:5060;transport=udp",
	}, added[0])

	servers := h.engine.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, sd, servers[0].Service)
	assert.Equal(t, transport.UDP, servers[0].Transport)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.servers))
}

func TestRemovedServerIsRemoved(t *testing.T) {
	h := newHarness(t)
	h.start()
	sd := h.resolved(udpType, "A", "Room", "<sip:room@10.0.0.5:5060;transport=udp>")
	h.eventually(func() bool { return h.hasServer(sd) }, "server not registered")

	h.binding.lastBrowse(udpType).remove("A")
	h.eventually(func() bool { return !h.hasServer(sd) }, "server not removed")

	removed := h.rec.named(notify.NameServerRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, sd, removed[0].(notify.ServerRemoved).Service)
	assert.True(t, h.binding.lastResolve(sd).isClosed())
	assert.Empty(t, h.engine.Servers())
}

func TestResolveUpdates(t *testing.T) {
	h := newHarness(t)
	h.start()
	sd := h.resolved(udpType, "A", "Room", "<sip:room@10.0.0.5:5060;transport=udp>")
	h.eventually(func() bool { return h.hasServer(sd) }, "server not registered")
	resolve := h.binding.lastResolve(sd)

	// same answer again
	resolve.reply("Room", "<sip:room@10.0.0.5:5060;transport=udp>")
	h.quiesce()
	assert.Empty(t, h.rec.named(notify.NameServerUpdated))

	resolve.reply("Big Room", "<sip:room@10.0.0.5:5060;transport=udp>")
	h.eventually(func() bool { return len(h.rec.named(notify.NameServerUpdated)) == 1 }, "no ServerUpdated")

	updated := h.rec.named(notify.NameServerUpdated)[0].(notify.ServerUpdated)
	assert.Equal(t, "Big Room", updated.DisplayName)
	assert.Len(t, h.rec.named(notify.NameServerAdded), 1)
}

func TestDuplicateAddDoesNotResolveTwice(t *testing.T) {
	h := newHarness(t)
	h.start()
	sd := h.resolved(udpType, "A", "Room", "<sip:room@10.0.0.5:5060;transport=udp>")

	h.binding.lastBrowse(udpType).add("A")
	h.quiesce()
	assert.Equal(t, 1, h.binding.resolveCount(sd))
}

func TestSelfDiscoveryIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()

	sd := h.resolved(udpType, "Me", "My Room", "<"+ownUDPContact+">")
	h.quiesce()

	assert.False(t, h.hasServer(sd))
	assert.Empty(t, h.rec.named(notify.NameServerAdded))
}

func TestResolveValidation(t *testing.T) {
	tests := []struct {
		name    string
		regType string
		contact string
		allowed transport.Set
		cert    bool
		want    bool
	}{
		{"udp on udp", udpType, "sip:room@10.0.0.5;transport=udp", transport.NewSet(transport.All...), true, true},
		{"default transport is udp", udpType, "sip:room@10.0.0.5", transport.NewSet(transport.All...), true, true},
		{"tcp contact on udp browse", udpType, "sip:room@10.0.0.5;transport=tcp", transport.NewSet(transport.All...), true, false},
		{"tls on tcp browse", tcpType, "sips:room@10.0.0.5:5061", transport.NewSet(transport.All...), true, true},
		{"tls disabled", tcpType, "sip:room@10.0.0.5;transport=tls", transport.NewSet(transport.UDP, transport.TCP), true, false},
		{"invalid contact", udpType, "not a uri", transport.NewSet(transport.All...), true, false},
		{"unknown transport", udpType, "sip:room@10.0.0.5;transport=sctp", transport.NewSet(transport.All...), true, false},
		{"first token only", udpType, "<sip:room@10.0.0.5;transport=udp> q=0.5", transport.NewSet(transport.All...), true, true},
		{"missing contact", udpType, "", transport.NewSet(transport.All...), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.settings.set(func(s *settings.Settings) {
				s.Transports = tt.allowed
				s.CertificatePresent = tt.cert
			})
			h.start()

			sd := h.resolved(tt.regType, "A", "Room", tt.contact)
			if tt.want {
				h.eventually(func() bool { return h.hasServer(sd) }, "server not registered")
				return
			}
			h.quiesce()
			assert.False(t, h.hasServer(sd))
			assert.Empty(t, h.rec.named(notify.NameServerAdded))
		})
	}
}

func TestInvalidReResolveEvictsServer(t *testing.T) {
	h := newHarness(t)
	h.start()
	sd := h.resolved(udpType, "A", "Room", "<sip:room@10.0.0.5:5060;transport=udp>")
	h.eventually(func() bool { return h.hasServer(sd) }, "server not registered")

	h.binding.lastResolve(sd).reply("Room", "garbage")
	h.eventually(func() bool { return !h.hasServer(sd) }, "server not evicted")
	assert.Len(t, h.rec.named(notify.NameServerRemoved), 1)
}

func TestNonLocalDomainIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.binding.lastBrowse(udpType).addIn("A", "example.com.")
	h.quiesce()

	assert.Zero(t, h.binding.resolveCount(discovery.NewServiceDescription("A", udpType, "example.com.")))
}

func TestTLSEvictionOnCertificateRemoval(t *testing.T) {
	h := newHarness(t)
	h.start()

	tls1 := h.resolved(tcpType, "T1", "Secure 1", "sips:t1@10.0.0.7:5061")
	tls2 := h.resolved(tcpType, "T2", "Secure 2", "sip:t2@10.0.0.8:5061;transport=tls")
	plain := h.resolved(tcpType, "P", "Plain", "sip:p@10.0.0.9:5060;transport=tcp")
	h.eventually(func() bool { return len(h.engine.Servers()) == 3 }, "servers not registered")

	h.settings.set(func(s *settings.Settings) { s.CertificatePresent = false })
	h.bus.Publish(notify.SettingsChanged{})
	h.eventually(func() bool { return len(h.engine.Servers()) == 1 }, "tls servers not evicted")

	removed := h.rec.named(notify.NameServerRemoved)
	require.Len(t, removed, 2)
	var services []discovery.ServiceDescription
	for _, n := range removed {
		services = append(services, n.(notify.ServerRemoved).Service)
	}
	assert.ElementsMatch(t, []discovery.ServiceDescription{tls1, tls2}, services)
	assert.True(t, h.hasServer(plain))
	assert.Equal(t, 1, h.binding.browseCount(tcpType), "tcp is still discoverable")
}

func TestDisabledTransportClosesBrowse(t *testing.T) {
	h := newHarness(t)
	h.start()
	sd := h.resolved(udpType, "A", "Room", "sip:room@10.0.0.5;transport=udp")
	h.eventually(func() bool { return h.hasServer(sd) }, "server not registered")
	browse := h.binding.lastBrowse(udpType)

	h.settings.set(func(s *settings.Settings) { s.Transports = s.Transports.Remove(transport.UDP) })
	h.bus.Publish(notify.SettingsChanged{})
	h.eventually(func() bool { return browse.isClosed() }, "udp browse not closed")

	assert.True(t, h.binding.lastResolve(sd).isClosed())
	assert.False(t, h.hasServer(sd))
	assert.Len(t, h.rec.named(notify.NameServerRemoved), 1)
	assert.ElementsMatch(t, []string{tcpType}, h.binding.openBrowses())

	// re-enabling opens exactly one new browse
	h.settings.set(func(s *settings.Settings) { s.Transports = s.Transports.Add(transport.UDP) })
	h.bus.Publish(notify.SettingsChanged{})
	h.eventually(func() bool { return h.binding.browseCount(udpType) == 2 }, "udp not browsed again")
	assert.ElementsMatch(t, []string{udpType, tcpType}, h.binding.openBrowses())
}

func TestBrowseFailureIsTransportScoped(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("daemon not running")
	h.binding.setBrowseErr(tcpType, boom)

	h.start()

	assert.ElementsMatch(t, []string{udpType}, h.binding.openBrowses())
	failed := h.rec.named(notify.NameDiscoveryFailed)
	require.Len(t, failed, 1)
	df := failed[0].(notify.DiscoveryFailed)
	assert.Equal(t, transport.TCP, df.Transport)
	var berr *BrowseError
	require.ErrorAs(t, df.Err, &berr)
	assert.ErrorIs(t, berr, boom)

	// the retry succeeds once the binding recovers
	h.binding.setBrowseErr(tcpType, nil)
	h.clock.Add(DefaultRetryDelay)
	h.eventually(func() bool { return h.binding.browseCount(tcpType) == 2 }, "browse not retried")
	assert.ElementsMatch(t, []string{udpType, tcpType}, h.binding.openBrowses())
}

func TestBrowseRetryIsDebounced(t *testing.T) {
	h := newHarness(t)
	h.binding.setBrowseErr(tcpType, errors.New("busy"))
	h.start()

	for i := 0; i < 4; i++ {
		h.clock.Add(100 * time.Millisecond)
		h.bus.Publish(notify.SettingsChanged{})
		h.flush()
	}
	require.Equal(t, 5, h.binding.browseCount(tcpType))
	assert.Len(t, h.rec.named(notify.NameDiscoveryFailed), 5)

	// the first failure's retry would have been due by now
	h.clock.Add(900 * time.Millisecond)
	h.quiesce()
	assert.Equal(t, 5, h.binding.browseCount(tcpType), "retries collapse into the latest")

	h.clock.Add(100 * time.Millisecond)
	h.eventually(func() bool { return h.binding.browseCount(tcpType) == 6 }, "retry did not fire")
	h.quiesce()
	assert.Equal(t, 6, h.binding.browseCount(tcpType))
	assert.Equal(t, 1, h.binding.browseCount(udpType))
}

func TestAsyncBrowseErrorTearsDownAndRetries(t *testing.T) {
	h := newHarness(t)
	h.start()
	sd := h.resolved(udpType, "A", "Room", "sip:room@10.0.0.5;transport=udp")
	h.eventually(func() bool { return h.hasServer(sd) }, "server not registered")
	browse := h.binding.lastBrowse(udpType)

	browse.fail(errors.New("socket closed"))
	h.eventually(func() bool { return browse.isClosed() }, "browse not closed")
	assert.True(t, h.binding.lastResolve(sd).isClosed(), "dependent resolve is closed")
	require.Len(t, h.rec.named(notify.NameDiscoveryFailed), 1)
	assert.False(t, h.hasServer(sd), "servers of the failed browse are removed")
	removed := h.rec.named(notify.NameServerRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, sd, removed[0].(notify.ServerRemoved).Service)

	// the instance is gone by the time the retry browse opens
	h.clock.Add(DefaultRetryDelay)
	h.eventually(func() bool { return h.binding.browseCount(udpType) == 2 }, "browse not retried")
	h.quiesce()
	assert.Empty(t, h.engine.Servers())
	assert.Len(t, h.rec.named(notify.NameServerRemoved), 1)
}

func TestResolveFailure(t *testing.T) {
	h := newHarness(t)
	h.start()
	browse := h.binding.lastBrowse(udpType)
	sd := discovery.NewServiceDescription("A", udpType, discovery.DefaultDomain)

	browse.add("A")
	h.eventually(func() bool { return h.binding.resolveCount(sd) == 1 }, "resolve not started")
	resolve := h.binding.lastResolve(sd)

	resolve.fail(errors.New("timeout"))
	h.eventually(func() bool { return resolve.isClosed() }, "resolve not closed")

	failed := h.rec.named(notify.NameDiscoveryFailed)
	require.Len(t, failed, 1)
	var rerr *ResolveError
	require.ErrorAs(t, failed[0].(notify.DiscoveryFailed).Err, &rerr)
	assert.Equal(t, sd, rerr.Service)

	// not retried on a timer
	h.clock.Add(time.Minute)
	h.quiesce()
	assert.Equal(t, 1, h.binding.resolveCount(sd))

	// the next add event resolves again
	browse.add("A")
	h.eventually(func() bool { return h.binding.resolveCount(sd) == 2 }, "instance not resolved again")
}

func TestResolveStartFailure(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.binding.setResolveErr(discovery.ErrInstanceNotFound)

	h.binding.lastBrowse(udpType).add("A")
	h.eventually(func() bool { return len(h.rec.named(notify.NameDiscoveryFailed)) == 1 }, "failure not reported")
	assert.ElementsMatch(t, []string{udpType, tcpType}, h.binding.openBrowses(), "browses are unaffected")
}

func TestAddressChangeRestartsDiscovery(t *testing.T) {
	h := newHarness(t)
	h.start()
	kept := h.resolved(udpType, "A", "Room", "sip:room@10.0.0.5;transport=udp")
	gone := h.resolved(udpType, "B", "Lab", "sip:lab@10.0.0.6;transport=udp")
	h.eventually(func() bool { return h.hasServer(kept) && h.hasServer(gone) }, "servers not registered")
	oldResolve := h.binding.lastResolve(kept)
	h.rec.reset()

	h.bus.Publish(notify.AddressChanged{Addresses: []string{"10.0.0.42"}})
	h.eventually(func() bool { return h.binding.browseCount(udpType) == 2 }, "not rediscovered")

	assert.Equal(t, 2, h.binding.browseCount(tcpType))
	assert.ElementsMatch(t, []string{udpType, tcpType}, h.binding.openBrowses())
	assert.True(t, oldResolve.isClosed(), "resolves are reopened")
	assert.True(t, h.hasServer(kept))
	assert.True(t, h.hasServer(gone))
	assert.Empty(t, h.rec.named(notify.NameServerRemoved), "restart keeps known servers")

	// A comes back unchanged, B never does
	h.resolved(udpType, "A", "Room", "sip:room@10.0.0.5;transport=udp")
	h.quiesce()
	assert.Empty(t, h.rec.named(notify.NameServerAdded))
	assert.Empty(t, h.rec.named(notify.NameServerUpdated))

	h.clock.Add(DefaultSettleDelay)
	h.eventually(func() bool { return !h.hasServer(gone) }, "stale server not swept")
	assert.True(t, h.hasServer(kept))
	removed := h.rec.named(notify.NameServerRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, gone, removed[0].(notify.ServerRemoved).Service)
}

func TestRestartSweepIsCancelledByStop(t *testing.T) {
	h := newHarness(t)
	h.start()
	sd := h.resolved(udpType, "A", "Room", "sip:room@10.0.0.5;transport=udp")
	h.eventually(func() bool { return h.hasServer(sd) }, "server not registered")

	require.NoError(t, h.engine.RestartDiscovery())
	h.eventually(func() bool { return h.binding.browseCount(udpType) == 2 }, "not restarted")
	h.rec.reset()

	require.NoError(t, h.engine.Stop())
	h.clock.Add(DefaultSettleDelay)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.rec.count())
}

func TestAddressChangeWithoutFilesIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.account.transports = 0
	h.start()

	h.bus.Publish(notify.AddressChanged{})
	h.quiesce()
	assert.Empty(t, h.rec.named(notify.NameWillInitiateDiscovery))
}

func TestWakeIsDelayedAndCoalesced(t *testing.T) {
	h := newHarness(t)
	h.start()

	for i := 0; i < 3; i++ {
		h.bus.Publish(notify.WokeFromSleep{})
	}
	h.flush()

	h.clock.Add(DefaultWakeupDelay - time.Millisecond)
	h.quiesce()
	assert.Equal(t, 1, h.binding.browseCount(udpType), "not before the delay")

	h.clock.Add(time.Millisecond)
	h.eventually(func() bool { return h.binding.browseCount(udpType) == 2 }, "not rediscovered after wake")
	h.quiesce()
	assert.Equal(t, 2, h.binding.browseCount(udpType), "one rediscovery for several wakes")

	// a later wake schedules a new one
	h.bus.Publish(notify.WokeFromSleep{})
	h.flush()
	h.clock.Add(DefaultWakeupDelay)
	h.eventually(func() bool { return h.binding.browseCount(udpType) == 3 }, "second wake ignored")
}

func TestRestartDiscovery(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.engine.RestartDiscovery())
	h.eventually(func() bool { return h.binding.browseCount(udpType) == 2 }, "not restarted")
	assert.ElementsMatch(t, []string{udpType, tcpType}, h.binding.openBrowses())
}

func TestStopDuringPendingResolve(t *testing.T) {
	h := newHarness(t)
	h.start()
	registered := h.resolved(udpType, "A", "Room", "sip:room@10.0.0.5;transport=udp")
	h.eventually(func() bool { return h.hasServer(registered) }, "server not registered")

	pending := discovery.NewServiceDescription("B", udpType, discovery.DefaultDomain)
	h.binding.lastBrowse(udpType).add("B")
	h.eventually(func() bool { return h.binding.resolveCount(pending) == 1 }, "resolve not started")
	h.rec.reset()

	require.NoError(t, h.engine.Stop())
	assert.Empty(t, h.engine.Servers())
	assert.Empty(t, h.binding.openBrowses())

	h.binding.lastResolve(pending).reply("Late", "sip:late@10.0.0.6;transport=udp")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.rec.count(), "stop is silent and torn-down handles stay quiet")
	assert.Zero(t, testutil.ToFloat64(h.engine.metrics.servers))
}

func TestStopCancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.binding.setBrowseErr(tcpType, errors.New("busy"))
	h.start()
	h.bus.Publish(notify.WokeFromSleep{})
	h.flush()

	require.NoError(t, h.engine.Stop())
	h.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, h.binding.browseCount(tcpType))
	assert.Equal(t, 1, h.binding.browseCount(udpType))
}

func TestIndependentEngines(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)
	a.start()
	b.start()

	sd := a.resolved(udpType, "A", "Room", "sip:room@10.0.0.5;transport=udp")
	a.eventually(func() bool { return a.hasServer(sd) }, "server not registered")

	assert.Empty(t, b.engine.Servers())
}

func TestMetricsCountOutcomes(t *testing.T) {
	h := newHarness(t)
	h.binding.setBrowseErr(tcpType, errors.New("busy"))
	h.start()

	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.browses.WithLabelValues("udp", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.browses.WithLabelValues("tcp", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.engine.metrics.notifications.WithLabelValues(notify.NameWillInitiateDiscovery)))

	count, err := testutil.GatherAndCount(h.registry, "focusd_browse_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
