package notify

import (
	"github.com/rescp17/focusd/pkg/discovery"
	"github.com/rescp17/focusd/pkg/transport"
)

// Notification names.
const (
	NameServerAdded           = "ConferenceServerAdded"
	NameServerUpdated         = "ConferenceServerUpdated"
	NameServerRemoved         = "ConferenceServerRemoved"
	NameDiscoveryFailed       = "DiscoveryDidFail"
	NameWillInitiateDiscovery = "WillInitiateDiscovery"
	NameAddressChanged        = "SystemIPAddressDidChange"
	NameWokeFromSleep         = "SystemDidWakeUpFromSleep"
	NameSettingsChanged       = "SettingsDidChange"
)

// Notification is anything published on a Bus. It uses an unexported method
// so only types embedding Base satisfy it.
type Notification interface {
	Name() string
	isNotification()
}

// Base can be embedded in notification types.
type Base struct{}

func (Base) isNotification() {}

// ServerAdded is published when a conference server is first registered.
type ServerAdded struct {
	Base
	Service     discovery.ServiceDescription
	Host        string
	DisplayName string
	URI         string
}

// ServerUpdated is published when a registered server resolves differently.
type ServerUpdated struct {
	Base
	Service     discovery.ServiceDescription
	Host        string
	DisplayName string
	URI         string
}

// ServerRemoved is published when a server leaves the registry.
type ServerRemoved struct {
	Base
	Service discovery.ServiceDescription
}

// DiscoveryFailed reports a transport-scoped browse or resolve failure.
type DiscoveryFailed struct {
	Base
	Transport transport.Transport
	Err       error
}

// WillInitiateDiscovery is published right before a browse is started.
type WillInitiateDiscovery struct {
	Base
	Transport transport.Transport
}

type AddressChanged struct {
	Base
	Addresses []string
}

type WokeFromSleep struct {
	Base
}

type SettingsChanged struct {
	Base
}

func (ServerAdded) Name() string           { return NameServerAdded }
func (ServerUpdated) Name() string         { return NameServerUpdated }
func (ServerRemoved) Name() string         { return NameServerRemoved }
func (DiscoveryFailed) Name() string       { return NameDiscoveryFailed }
func (WillInitiateDiscovery) Name() string { return NameWillInitiateDiscovery }
func (AddressChanged) Name() string        { return NameAddressChanged }
func (WokeFromSleep) Name() string         { return NameWokeFromSleep }
func (SettingsChanged) Name() string       { return NameSettingsChanged }

var (
	_ Notification = ServerAdded{}
	_ Notification = ServerUpdated{}
	_ Notification = ServerRemoved{}
	_ Notification = DiscoveryFailed{}
	_ Notification = WillInitiateDiscovery{}
	_ Notification = AddressChanged{}
	_ Notification = WokeFromSleep{}
	_ Notification = SettingsChanged{}
)
