package focus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/notify"
	"github.com/rescp17/focusd/pkg/settings"
	"github.com/rescp17/focusd/pkg/transport"
)

// fakeHandle queues callback invocations until ProcessResults, like a real
// DNS-SD handle whose socket became readable.
type fakeHandle struct {
	mu      sync.Mutex
	ready   chan struct{}
	pending []func()
	closed  bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{ready: make(chan struct{}, 1)}
}

func (h *fakeHandle) push(fn func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.pending = append(h.pending, fn)
	h.mu.Unlock()

	select {
	case h.ready <- struct{}{}:
	default:
	}
}

func (h *fakeHandle) Ready() <-chan struct{} { return h.ready }

func (h *fakeHandle) ProcessResults() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return discovery.ErrHandleClosed
	}
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, fn := range batch {
		if h.isClosed() {
			break
		}
		fn()
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.pending = nil
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeBrowse struct {
	*fakeHandle
	regType string
	cb      discovery.BrowseCallback
}

func (b *fakeBrowse) add(name string) {
	b.addIn(name, discovery.DefaultDomain)
}

func (b *fakeBrowse) addIn(name, domain string) {
	sd := discovery.NewServiceDescription(name, b.regType, domain)
	b.push(func() { b.cb(discovery.BrowseReply{Added: true, InterfaceIndex: 1, Service: sd}) })
}

func (b *fakeBrowse) remove(name string) {
	sd := discovery.NewServiceDescription(name, b.regType, discovery.DefaultDomain)
	b.push(func() { b.cb(discovery.BrowseReply{Added: false, InterfaceIndex: 1, Service: sd}) })
}

func (b *fakeBrowse) fail(err error) {
	b.push(func() { b.cb(discovery.BrowseReply{Err: err}) })
}

type fakeResolve struct {
	*fakeHandle
	service discovery.ServiceDescription
	cb      discovery.ResolveCallback
}

func (r *fakeResolve) reply(name, contact string) {
	txt := discovery.FormatTXT(map[string]string{"name": name, "contact": contact})
	r.push(func() {
		r.cb(discovery.ResolveReply{
			FullName:   r.service.String(),
			HostTarget: "focus.local.",
			Port:       5060,
			TXT:        txt,
		})
	})
}

func (r *fakeResolve) fail(err error) {
	r.push(func() { r.cb(discovery.ResolveReply{Err: err}) })
}

// fakeBinding records every browse and resolve the engine opens.
type fakeBinding struct {
	mu         sync.Mutex
	browseErr  map[string]error
	resolveErr error
	browses    map[string][]*fakeBrowse
	resolves   map[discovery.ServiceDescription][]*fakeResolve
}

func newFakeBinding() *fakeBinding {
	return &fakeBinding{
		browseErr: make(map[string]error),
		browses:   make(map[string][]*fakeBrowse),
		resolves:  make(map[discovery.ServiceDescription][]*fakeResolve),
	}
}

func (b *fakeBinding) Browse(regType string, cb discovery.BrowseCallback) (discovery.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.browseErr[regType]; err != nil {
		b.browses[regType] = append(b.browses[regType], nil)
		return nil, err
	}
	fb := &fakeBrowse{fakeHandle: newFakeHandle(), regType: regType, cb: cb}
	b.browses[regType] = append(b.browses[regType], fb)
	return fb, nil
}

func (b *fakeBinding) Resolve(_ int, name, regType, domain string, cb discovery.ResolveCallback) (discovery.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resolveErr != nil {
		return nil, b.resolveErr
	}
	sd := discovery.NewServiceDescription(name, regType, domain)
	fr := &fakeResolve{fakeHandle: newFakeHandle(), service: sd, cb: cb}
	b.resolves[sd] = append(b.resolves[sd], fr)
	return fr, nil
}

func (b *fakeBinding) setBrowseErr(regType string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.browseErr[regType] = err
}

func (b *fakeBinding) setResolveErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveErr = err
}

// browseCount counts Browse calls for regType, failed ones included.
func (b *fakeBinding) browseCount(regType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.browses[regType])
}

func (b *fakeBinding) lastBrowse(regType string) *fakeBrowse {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.browses[regType]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (b *fakeBinding) openBrowses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []string
	for regType, list := range b.browses {
		for _, fb := range list {
			if fb != nil && !fb.isClosed() {
				open = append(open, regType)
			}
		}
	}
	return open
}

func (b *fakeBinding) resolveCount(sd discovery.ServiceDescription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resolves[sd])
}

func (b *fakeBinding) lastResolve(sd discovery.ServiceDescription) *fakeResolve {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.resolves[sd]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type fakeSettings struct {
	mu      sync.Mutex
	current settings.Settings
}

func (s *fakeSettings) Current() settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeSettings) set(fn func(*settings.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.current)
}

type fakeAccount struct {
	mu         sync.Mutex
	transports transport.Set
	contacts   map[transport.Transport]string
}

func (a *fakeAccount) Transports() transport.Set {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transports
}

func (a *fakeAccount) Contact(t transport.Transport) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contacts[t]
}

// recorder keeps every notification published on the bus.
type recorder struct {
	mu   sync.Mutex
	seen []notify.Notification
}

func (r *recorder) record(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recorder) named(name string) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.seen {
		if n.Name() == name {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = nil
}

const (
	udpType = "_sipfocus._udp"
	tcpType = "_sipfocus._tcp"

	ownUDPContact = "sip:me@10.0.0.1:5060;transport=udp"
)

type harness struct {
	t        *testing.T
	engine   *Engine
	binding  *fakeBinding
	settings *fakeSettings
	account  *fakeAccount
	bus      *notify.Bus
	rec      *recorder
	clock    *clock.Mock
	registry *prometheus.Registry
}

// newHarness builds a stopped engine with every transport enabled, a TLS
// certificate present and an account using all transports.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		binding: newFakeBinding(),
		settings: &fakeSettings{current: settings.Settings{
			Transports:         transport.NewSet(transport.All...),
			CertificatePresent: true,
		}},
		account: &fakeAccount{
			transports: transport.NewSet(transport.All...),
			contacts: map[transport.Transport]string{
				transport.UDP: ownUDPContact,
				transport.TCP: "sip:me@10.0.0.1:5060;transport=tcp",
				transport.TLS: "sip:me@10.0.0.1:5061;transport=tls",
			},
		},
		bus:      notify.NewBus(),
		rec:      &recorder{},
		clock:    clock.NewMock(),
		registry: prometheus.NewRegistry(),
	}
	h.bus.SubscribeAll(h.rec.record)

	e, err := New(h.binding, h.settings, h.account, h.bus,
		WithClock(h.clock),
		WithRegisterer(h.registry))
	require.NoError(t, err)
	h.engine = e

	t.Cleanup(func() {
		_ = h.engine.Stop()
	})
	return h
}

// start starts the engine and waits for the first discovery to finish.
func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.engine.Start())
	h.flush()
}

// flush waits until every command queued so far has been handled.
func (h *harness) flush() {
	h.t.Helper()
	q := h.engine.queue.Load()
	require.NotNil(h.t, q)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, q.sendAndWait(ctx, command{name: cmdProcessResults}))
}

// eventually waits for cond, flushing the queue in between. It flushes once
// more afterwards so the command that made cond true has finished.
func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.flush()
		return cond()
	}, 2*time.Second, 5*time.Millisecond, msg)
	h.flush()
}

// quiesce gives the multiplexer a moment to forward anything pending, then
// drains the queue.
func (h *harness) quiesce() {
	h.t.Helper()
	time.Sleep(20 * time.Millisecond)
	h.flush()
}

// resolved drives a browse add for name and answers the resolve.
func (h *harness) resolved(regType, name, displayName, contact string) discovery.ServiceDescription {
	h.t.Helper()
	sd := discovery.NewServiceDescription(name, regType, discovery.DefaultDomain)
	before := h.binding.resolveCount(sd)

	browse := h.binding.lastBrowse(regType)
	require.NotNil(h.t, browse, "no browse for %s", regType)
	browse.add(name)
	h.eventually(func() bool { return h.binding.resolveCount(sd) > before }, "resolve was not started")

	h.binding.lastResolve(sd).reply(displayName, contact)
	return sd
}

func (h *harness) hasServer(sd discovery.ServiceDescription) bool {
	for _, srv := range h.engine.Servers() {
		if srv.Service == sd {
			return true
		}
	}
	return false
}
