package appevents

// AppEvent is a marker interface for events sent from the TUI to the App's logic controller.
// It uses an unexported method so only types embedding Event satisfy it.
type AppEvent interface {
	isAppEvent()
}

// Event can be embedded in other event types to satisfy the AppEvent interface.
type Event struct{}

func (Event) isAppEvent() {}

// AppUIMessage is a marker interface for messages sent from the App's logic controller to the TUI.
type AppUIMessage interface {
	isUIMessage()
}

// UIMessage can be embedded in other types to implement the AppUIMessage interface.
type UIMessage struct{}

func (UIMessage) isUIMessage() {}

// --- App Events (from TUI to App) ---

// QuitEvent asks the app to shut down.
type QuitEvent struct {
	Event
}

// --- UI Messages (from App to TUI) ---

// AppErrorMsg reports an error the user should see.
type AppErrorMsg struct {
	UIMessage
	Err error
}

// AppStoppedMsg is sent once the app's Run has returned.
type AppStoppedMsg struct {
	UIMessage
	Err error
}
