package focus

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/transport"
)

// ConferenceServer is a resolved conference focus.
type ConferenceServer struct {
	Service     discovery.ServiceDescription
	URI         string
	Host        string
	DisplayName string
	Transport   transport.Transport
}

// registry maps service identity to resolved server. Only the engine's
// command consumer mutates it; readers get the published snapshot.
type registry struct {
	servers  map[discovery.ServiceDescription]ConferenceServer
	snapshot atomic.Pointer[[]ConferenceServer]
}

func newRegistry() *registry {
	r := &registry{servers: make(map[discovery.ServiceDescription]ConferenceServer)}
	r.snapshot.Store(&[]ConferenceServer{})
	return r
}

// upsert stores srv. It reports whether srv is new and whether it differs
// from what was stored.
func (r *registry) upsert(srv ConferenceServer) (added, changed bool) {
	old, ok := r.servers[srv.Service]
	if ok && old == srv {
		return false, false
	}
	r.servers[srv.Service] = srv
	r.publish()
	return !ok, true
}

func (r *registry) remove(sd discovery.ServiceDescription) (ConferenceServer, bool) {
	srv, ok := r.servers[sd]
	if !ok {
		return ConferenceServer{}, false
	}
	delete(r.servers, sd)
	r.publish()
	return srv, true
}

// unsupported returns the servers whose transport is not in supported.
func (r *registry) unsupported(supported transport.Set) []ConferenceServer {
	var out []ConferenceServer
	for _, srv := range r.sorted() {
		if !supported.Has(srv.Transport) {
			out = append(out, srv)
		}
	}
	return out
}

func (r *registry) clear() {
	clear(r.servers)
	r.publish()
}

func (r *registry) len() int {
	return len(r.servers)
}

func (r *registry) sorted() []ConferenceServer {
	out := make([]ConferenceServer, 0, len(r.servers))
	for _, srv := range r.servers {
		out = append(out, srv)
	}
	slices.SortFunc(out, func(a, b ConferenceServer) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.Service.String(), b.Service.String())
	})
	return out
}

func (r *registry) publish() {
	s := r.sorted()
	r.snapshot.Store(&s)
}

// list returns a copy of the last published snapshot. Safe from any goroutine.
func (r *registry) list() []ConferenceServer {
	return slices.Clone(*r.snapshot.Load())
}
