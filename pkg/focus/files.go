package focus

import (
	"sync/atomic"

	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/transport"
)

// file is an open browse or resolve watched by the multiplexer. active is
// set while its results are being processed so it is left out of the wait.
type file interface {
	handle() discovery.Handle
	isActive() bool
	setActive(bool)
	isClosed() bool
	close()
}

type fileState struct {
	h      discovery.Handle
	active atomic.Bool
	closed atomic.Bool
}

func (f *fileState) handle() discovery.Handle { return f.h }
func (f *fileState) isActive() bool           { return f.active.Load() }
func (f *fileState) setActive(v bool)         { f.active.Store(v) }
func (f *fileState) isClosed() bool           { return f.closed.Load() }

func (f *fileState) close() {
	if f.closed.Swap(true) {
		return
	}
	if f.h != nil {
		_ = f.h.Close()
	}
}

// discoveryFile is the browse for one discoverable transport.
type discoveryFile struct {
	fileState
	transport transport.Transport
}

// resolutionFile is the resolve of one instance seen by a browse.
type resolutionFile struct {
	fileState
	discovery *discoveryFile
	service   discovery.ServiceDescription
}

type resolutionKey struct {
	discovery *discoveryFile
	service   discovery.ServiceDescription
}

func (r *resolutionFile) key() resolutionKey {
	return resolutionKey{discovery: r.discovery, service: r.service}
}
