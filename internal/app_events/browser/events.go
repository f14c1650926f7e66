package browser

import (
	appevents "github.com/rescp17/focusd/internal/app_events"
	"github.com/rescp17/focusd/pkg/focus"
	"github.com/rescp17/focusd/pkg/transport"
)

// --- App Events (from TUI to App) ---

// RefreshEvent asks for a full rediscovery.
type RefreshEvent struct {
	appevents.Event
}

// --- UI Messages (from App to TUI) ---

// ServersUpdatedMsg carries the current server list, sorted for display.
type ServersUpdatedMsg struct {
	appevents.UIMessage
	Servers []focus.ConferenceServer
}

// DiscoveryStartedMsg is sent when a browse starts on a transport.
type DiscoveryStartedMsg struct {
	appevents.UIMessage
	Transport transport.Transport
}

// DiscoveryFailedMsg is sent when discovery failed on a transport.
type DiscoveryFailedMsg struct {
	appevents.UIMessage
	Transport transport.Transport
	Err       error
}

// NetworkChangedMsg is sent when the host's addresses changed or it woke up.
type NetworkChangedMsg struct {
	appevents.UIMessage
	Reason string
}
