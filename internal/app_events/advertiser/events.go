package advertiser

import (
	appevents "github.com/rescp17/focusd/internal/app_events"
	"github.com/rescp17/focusd/pkg/discovery"
)

// --- App Events (from TUI to App) ---

// WithdrawEvent stops the running announcement.
type WithdrawEvent struct {
	appevents.Event
}

// --- UI Messages (from App to TUI) ---

// AnnouncingMsg is sent when the responder starts answering for the service.
type AnnouncingMsg struct {
	appevents.UIMessage
	Service discovery.ServiceInfo
}

// WithdrawnMsg is sent once the announcement has stopped.
type WithdrawnMsg struct {
	appevents.UIMessage
	Service discovery.ServiceInfo
}
