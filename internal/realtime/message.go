package realtime

// Message kinds exchanged on a locker channel.
const (
	KindCommand = "command"
	KindEvent   = "event"
)

// Event names understood by channel subscribers.
const (
	EventConnected       = "connected"
	EventLockerAssigned  = "locker_assigned"
	EventLockerOpened    = "locker_opened"
	EventLockerReleased  = "locker_released"
	EventObjectRetrieved = "object_retrieved"
)

// Actuator open modes.
const (
	ModeStore    = "store"
	ModeRetrieve = "retrieve"
)

// Message represents a JSON payload delivered on a locker channel. Commands
// carry an intent for the actuator; events carry a fact for observers.
type Message struct {
	Kind     string `json:"kind"`
	Event    string `json:"event,omitempty"`
	LockerID string `json:"locker_id,omitempty"`
	Open     bool   `json:"open,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// NewEvent builds an event message for observers of a locker.
func NewEvent(lockerID, event string, data any) Message {
	return Message{
		Kind:     KindEvent,
		Event:    event,
		LockerID: lockerID,
		Data:     data,
	}
}

// NewOpenCommand builds an actuator command to open a locker in the given mode.
func NewOpenCommand(lockerID, mode string) Message {
	return Message{
		Kind:     KindCommand,
		LockerID: lockerID,
		Open:     true,
		Mode:     mode,
	}
}
