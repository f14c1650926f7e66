package focus

import (
	"errors"
	"fmt"

	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/transport"
)

var (
	ErrAlreadyStarted     = errors.New("discovery engine already started")
	ErrNotStarted         = errors.New("discovery engine not started")
	ErrShutdownInProgress = errors.New("discovery engine is shutting down")
)

// BrowseError is a transport-scoped browse failure. Discovery is retried.
type BrowseError struct {
	Transport transport.Transport
	Err       error
}

func (e *BrowseError) Error() string {
	return fmt.Sprintf("browse %s: %v", e.Transport, e.Err)
}

func (e *BrowseError) Unwrap() error {
	return e.Err
}

// ResolveError is an instance-scoped resolve failure. It is not retried; the
// next browse event for the instance resolves it again.
type ResolveError struct {
	Service discovery.ServiceDescription
	Err     error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Service, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}
