// Package focus discovers conference-focus servers advertised over DNS-SD on
// every transport the local account may use, and keeps a registry of the
// ones that resolved to an acceptable contact.
//
// All state is owned by a single command consumer. Browse and resolve
// results, timers and system notifications only enqueue commands, so the
// registry and the set of open browses and resolves need no locks.
package focus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/notify"
	"github.com/rescp17/focusd/pkg/settings"
	"github.com/rescp17/focusd/pkg/sipuri"
	"github.com/rescp17/focusd/pkg/transport"
)

// Bus is the notification bus the engine publishes on and listens to.
type Bus interface {
	Publish(notify.Notification)
	Subscribe(name string, handler notify.Handler) string
	Unsubscribe(id string) bool
}

// Engine is the discovery engine. Create it with New.
type Engine struct {
	cfg      Config
	binding  discovery.Binding
	settings settings.Provider
	account  settings.Account
	bus      Bus
	metrics  *metrics
	registry *registry

	// lifecycle, guarded by mu
	mu     sync.Mutex
	cancel context.CancelFunc
	subs   []string
	wg     sync.WaitGroup
	queue  atomic.Pointer[commandQueue]

	// owned by the command consumer
	mux           *multiplexer
	discoveries   map[transport.Transport]*discoveryFile
	resolutions   map[resolutionKey]*resolutionFile
	discoverTimer *clock.Timer
	wakeupTimer   *clock.Timer
	sweepTimer    *clock.Timer
	// servers kept across a restart that have not resolved since
	stale map[discovery.ServiceDescription]struct{}
}

// New creates a stopped engine.
func New(binding discovery.Binding, provider settings.Provider, account settings.Account, bus Bus, opts ...Option) (*Engine, error) {
	if binding == nil || provider == nil || account == nil || bus == nil {
		return nil, errors.New("binding, settings, account and bus are required")
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		cfg:         cfg,
		binding:     binding,
		settings:    provider,
		account:     account,
		bus:         bus,
		metrics:     newMetrics(cfg.Registerer),
		registry:    newRegistry(),
		discoveries: make(map[transport.Transport]*discoveryFile),
		resolutions: make(map[resolutionKey]*resolutionFile),
		stale:       make(map[discovery.ServiceDescription]struct{}),
	}, nil
}

// Start subscribes to system notifications, starts the multiplexer and the
// command consumer, and queues the first discovery.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queue.Load() != nil {
		return ErrAlreadyStarted
	}

	q := newCommandQueue()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mux = newMultiplexer(func(files []file) {
		_ = q.send(command{name: cmdProcessResults, files: files})
	})

	e.subs = []string{
		e.bus.Subscribe(notify.NameAddressChanged, func(notify.Notification) {
			_ = q.send(command{name: cmdRestart})
		}),
		e.bus.Subscribe(notify.NameWokeFromSleep, func(notify.Notification) {
			_ = q.send(command{name: cmdWake})
		}),
		e.bus.Subscribe(notify.NameSettingsChanged, func(notify.Notification) {
			_ = q.send(command{name: cmdDiscover})
		}),
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.mux.run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.consume(q)
	}()

	e.queue.Store(q)
	slog.Info("Discovery engine started")
	return q.send(command{name: cmdDiscover})
}

// Stop tears everything down and returns once the consumer has closed every
// browse and resolve and cleared the registry. No notifications are
// published for the servers that disappear.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queue.Load()
	if q == nil {
		return ErrNotStarted
	}

	err := q.sendAndWait(context.Background(), command{name: cmdStop})

	for _, id := range e.subs {
		e.bus.Unsubscribe(id)
	}
	e.subs = nil
	e.cancel()
	q.close()
	e.wg.Wait()
	e.queue.Store(nil)

	slog.Info("Discovery engine stopped")
	return err
}

// RestartDiscovery closes every browse and resolve and discovers again.
// It does not wait for the restart to happen.
func (e *Engine) RestartDiscovery() error {
	q := e.queue.Load()
	if q == nil {
		return ErrNotStarted
	}
	return q.send(command{name: cmdRestart, force: true})
}

// Servers returns a snapshot of the registered servers, ordered by display
// name.
func (e *Engine) Servers() []ConferenceServer {
	return e.registry.list()
}

func (e *Engine) consume(q *commandQueue) {
	for {
		cmd, ok := q.next()
		if !ok {
			return
		}
		err := e.handle(q, cmd)
		cmd.complete(err)
		if cmd.name == cmdStop {
			q.close()
			return
		}
	}
}

func (e *Engine) handle(q *commandQueue, cmd command) error {
	switch cmd.name {
	case cmdDiscover:
		return e.discover(q)
	case cmdRestart:
		if !cmd.force && len(e.discoveries) == 0 && len(e.resolutions) == 0 {
			return nil
		}
		return e.restart(q)
	case cmdProcessResults:
		e.processResults(cmd.files)
		return nil
	case cmdWake:
		e.scheduleWakeup(q)
		return nil
	case cmdWakeupFired:
		e.wakeupTimer = nil
		if len(e.discoveries) == 0 && len(e.resolutions) == 0 {
			return nil
		}
		return e.restart(q)
	case cmdSweep:
		e.sweepTimer = nil
		e.sweep()
		return nil
	case cmdStop:
		e.stop()
		return nil
	default:
		return fmt.Errorf("unknown command %d", cmd.name)
	}
}

// supported returns the transports servers may be registered for.
func (e *Engine) supported() transport.Set {
	current := e.settings.Current()
	return transport.Supported(transport.PolicyInput{
		Allowed:            current.Transports,
		CertificatePresent: current.CertificatePresent,
		Account:            e.account.Transports(),
	})
}

// discover reconciles the open browses with the transport policy. Browses
// for transports that are no longer wanted are closed before new ones are
// opened, servers on unsupported transports are evicted, and a browse is
// started for every wanted transport that has none.
func (e *Engine) discover(q *commandQueue) error {
	supported := e.supported()
	discoverable := supported.Discoverable()

	for t, df := range e.discoveries {
		if !discoverable.Has(t) {
			slog.Debug("Closing browse for disabled transport", "transport", t)
			e.closeDiscovery(df)
		}
	}
	for _, srv := range e.registry.unsupported(supported) {
		e.removeServer(srv.Service)
	}

	var errs error
	for _, t := range discoverable.Slice() {
		if _, ok := e.discoveries[t]; ok {
			continue
		}
		if err := e.browse(t); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	e.syncMux()

	if errs != nil {
		e.scheduleRetry(q)
	}
	return errs
}

func (e *Engine) browse(t transport.Transport) error {
	e.publish(notify.WillInitiateDiscovery{Transport: t})

	df := &discoveryFile{transport: t}
	h, err := e.binding.Browse(t.ServiceType(), func(r discovery.BrowseReply) {
		e.onBrowse(df, r)
	})
	if err != nil {
		e.metrics.browses.WithLabelValues(t.String(), "error").Inc()
		berr := &BrowseError{Transport: t, Err: err}
		slog.Warn("Browse failed", "transport", t, "error", err)
		e.publish(notify.DiscoveryFailed{Transport: t, Err: berr})
		return berr
	}

	e.metrics.browses.WithLabelValues(t.String(), "ok").Inc()
	df.h = h
	e.discoveries[t] = df
	slog.Debug("Browsing", "transport", t, "type", t.ServiceType())
	return nil
}

func (e *Engine) onBrowse(df *discoveryFile, r discovery.BrowseReply) {
	if df.isClosed() {
		return
	}

	if r.Err != nil {
		e.metrics.browses.WithLabelValues(df.transport.String(), "error").Inc()
		berr := &BrowseError{Transport: df.transport, Err: r.Err}
		slog.Warn("Browse stopped", "transport", df.transport, "error", r.Err)
		for key, rf := range e.resolutions {
			if key.discovery == df {
				e.removeServer(rf.service)
			}
		}
		e.closeDiscovery(df)
		e.syncMux()
		e.publish(notify.DiscoveryFailed{Transport: df.transport, Err: berr})
		if q := e.queue.Load(); q != nil {
			e.scheduleRetry(q)
		}
		return
	}

	if r.Service.Domain != discovery.DefaultDomain {
		return
	}

	key := resolutionKey{discovery: df, service: r.Service}
	if !r.Added {
		if rf, ok := e.resolutions[key]; ok {
			e.closeResolution(rf)
			e.syncMux()
		}
		e.removeServer(r.Service)
		return
	}

	if _, ok := e.resolutions[key]; ok {
		return
	}

	rf := &resolutionFile{discovery: df, service: r.Service}
	h, err := e.binding.Resolve(r.InterfaceIndex, r.Service.Name, r.Service.RegType, r.Service.Domain,
		func(rr discovery.ResolveReply) { e.onResolve(rf, rr) })
	if err != nil {
		e.metrics.resolves.WithLabelValues("error").Inc()
		slog.Warn("Resolve failed to start", "service", r.Service, "error", err)
		e.publish(notify.DiscoveryFailed{
			Transport: df.transport,
			Err:       &ResolveError{Service: r.Service, Err: err},
		})
		return
	}
	rf.h = h
	e.resolutions[key] = rf
	e.syncMux()
}

func (e *Engine) onResolve(rf *resolutionFile, r discovery.ResolveReply) {
	if rf.isClosed() {
		return
	}
	t := rf.discovery.transport

	if r.Err != nil {
		e.metrics.resolves.WithLabelValues("error").Inc()
		slog.Warn("Resolve failed", "service", rf.service, "error", r.Err)
		e.closeResolution(rf)
		e.syncMux()
		e.publish(notify.DiscoveryFailed{
			Transport: t,
			Err:       &ResolveError{Service: rf.service, Err: r.Err},
		})
		return
	}
	e.metrics.resolves.WithLabelValues("ok").Inc()

	txt := discovery.ParseTXT(r.TXT)
	contact := contactField(txt["contact"], rf.service.Name)
	uri, err := sipuri.Parse(contact)
	if err != nil {
		slog.Warn("Ignoring server with invalid contact", "service", rf.service, "contact", contact, "error", err)
		e.removeServer(rf.service)
		return
	}
	uriTransport, err := uri.Transport()
	if err != nil || uriTransport.Discoverable() != t || !e.supported().Has(uriTransport) {
		slog.Debug("Ignoring server on unsupported transport", "service", rf.service, "uri", uri)
		e.removeServer(rf.service)
		return
	}
	if e.isSelf(uri, uriTransport) {
		slog.Debug("Ignoring own contact", "service", rf.service, "uri", uri)
		e.removeServer(rf.service)
		return
	}

	name := txt["name"]
	if name == "" {
		name = rf.service.Name
	}
	srv := ConferenceServer{
		Service:     rf.service,
		URI:         uri.String(),
		Host:        uri.Host,
		DisplayName: name,
		Transport:   uriTransport,
	}

	added, changed := e.registry.upsert(srv)
	delete(e.stale, srv.Service)
	e.metrics.servers.Set(float64(e.registry.len()))
	switch {
	case added:
		slog.Info("Conference server added", "name", srv.DisplayName, "uri", srv.URI)
		e.publish(notify.ServerAdded{Service: srv.Service, Host: srv.Host, DisplayName: srv.DisplayName, URI: srv.URI})
	case changed:
		slog.Info("Conference server updated", "name", srv.DisplayName, "uri", srv.URI)
		e.publish(notify.ServerUpdated{Service: srv.Service, Host: srv.Host, DisplayName: srv.DisplayName, URI: srv.URI})
	}
}

// contactField returns the first token of a TXT contact value, or fallback
// when the record carries none.
func contactField(value, fallback string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return fallback
	}
	return fields[0]
}

// isSelf reports whether uri is the contact this node publishes on t.
func (e *Engine) isSelf(uri sipuri.URI, t transport.Transport) bool {
	own, err := sipuri.Parse(e.account.Contact(t))
	if err != nil {
		return false
	}
	return uri.Equal(own)
}

func (e *Engine) processResults(files []file) {
	for _, f := range files {
		if f.isClosed() {
			continue
		}
		if err := f.handle().ProcessResults(); err != nil && !errors.Is(err, discovery.ErrHandleClosed) {
			slog.Warn("Failed to process results", "error", err)
		}
		f.setActive(false)
	}
	if e.mux != nil {
		e.mux.poke()
	}
}

func (e *Engine) removeServer(sd discovery.ServiceDescription) {
	delete(e.stale, sd)
	srv, ok := e.registry.remove(sd)
	if !ok {
		return
	}
	e.metrics.servers.Set(float64(e.registry.len()))
	slog.Info("Conference server removed", "name", srv.DisplayName, "uri", srv.URI)
	e.publish(notify.ServerRemoved{Service: sd})
}

func (e *Engine) closeDiscovery(df *discoveryFile) {
	for key, rf := range e.resolutions {
		if key.discovery == df {
			e.closeResolution(rf)
		}
	}
	df.close()
	if e.discoveries[df.transport] == df {
		delete(e.discoveries, df.transport)
	}
}

func (e *Engine) closeResolution(rf *resolutionFile) {
	rf.close()
	delete(e.resolutions, rf.key())
}

// closeAll closes every browse and resolve. The registry is left alone.
func (e *Engine) closeAll() {
	for _, df := range e.discoveries {
		e.closeDiscovery(df)
	}
	e.syncMux()
}

// restart reopens every browse. Registered servers stay in the registry and
// are marked stale; the ones that have not resolved again when SettleDelay
// expires are removed.
func (e *Engine) restart(q *commandQueue) error {
	e.closeAll()
	for _, srv := range e.registry.sorted() {
		e.stale[srv.Service] = struct{}{}
	}
	e.scheduleSweep(q)
	return e.discover(q)
}

// scheduleSweep replaces any pending sweep with one SettleDelay from now.
func (e *Engine) scheduleSweep(q *commandQueue) {
	if e.sweepTimer != nil {
		e.sweepTimer.Stop()
	}
	e.sweepTimer = e.cfg.Clock.AfterFunc(e.cfg.SettleDelay, func() {
		_ = q.send(command{name: cmdSweep})
	})
}

// sweep removes the servers that did not come back after a restart.
func (e *Engine) sweep() {
	for sd := range e.stale {
		slog.Debug("Server did not reappear after restart", "service", sd)
		e.removeServer(sd)
	}
}

// syncMux hands the multiplexer the current set of open files.
func (e *Engine) syncMux() {
	if e.mux == nil {
		return
	}
	files := make([]file, 0, len(e.discoveries)+len(e.resolutions))
	for _, df := range e.discoveries {
		files = append(files, df)
	}
	for _, rf := range e.resolutions {
		files = append(files, rf)
	}
	e.mux.update(files)
}

// scheduleRetry replaces any pending retry with one RetryDelay from now.
func (e *Engine) scheduleRetry(q *commandQueue) {
	if e.discoverTimer != nil {
		e.discoverTimer.Stop()
	}
	slog.Info("Scheduled discovery retry", "delay", e.cfg.RetryDelay)
	e.discoverTimer = e.cfg.Clock.AfterFunc(e.cfg.RetryDelay, func() {
		_ = q.send(command{name: cmdDiscover})
	})
}

// scheduleWakeup restarts discovery WakeupDelay after a wake. Wakes while
// one is pending are absorbed.
func (e *Engine) scheduleWakeup(q *commandQueue) {
	if e.wakeupTimer != nil {
		return
	}
	slog.Info("Woke from sleep, restarting discovery shortly", "delay", e.cfg.WakeupDelay)
	e.wakeupTimer = e.cfg.Clock.AfterFunc(e.cfg.WakeupDelay, func() {
		_ = q.send(command{name: cmdWakeupFired})
	})
}

func (e *Engine) stop() {
	if e.discoverTimer != nil {
		e.discoverTimer.Stop()
		e.discoverTimer = nil
	}
	if e.wakeupTimer != nil {
		e.wakeupTimer.Stop()
		e.wakeupTimer = nil
	}
	if e.sweepTimer != nil {
		e.sweepTimer.Stop()
		e.sweepTimer = nil
	}
	e.closeAll()
	clear(e.stale)
	e.registry.clear()
	e.metrics.servers.Set(0)
}

func (e *Engine) publish(n notify.Notification) {
	e.metrics.notifications.WithLabelValues(n.Name()).Inc()
	e.bus.Publish(n)
}
