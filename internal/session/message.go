package session

import "device-orchestrator/internal/device"

// MessageType tags a server-to-client message.
type MessageType string

const (
	TypeDeviceList     MessageType = "DEVICE_LIST"
	TypeDeviceSwitched MessageType = "DEVICE_SWITCHED"
	TypeProgress       MessageType = "PROGRESS"
	TypeSwitchError    MessageType = "SWITCH_ERROR"
	TypeError          MessageType = "ERROR"
	TypeDisconnected   MessageType = "DISCONNECTED"
	TypeHeartbeat      MessageType = "HEARTBEAT"
	TypeSessionInfo    MessageType = "SESSION_INFO"
)

// Message is a server-to-client message. Only the fields relevant to Type
// are set.
type Message struct {
	Type        MessageType   `json:"type"`
	Message     string        `json:"message,omitempty"`
	Progress    int           `json:"progress,omitempty"`
	Device      *device.Info  `json:"device,omitempty"`
	Devices     []device.Info `json:"devices,omitempty"`
	SessionInfo *Info         `json:"sessionInfo,omitempty"`
	Data        any           `json:"data,omitempty"`
	Timestamp   int64         `json:"timestamp,omitempty"`
}

// Notifier delivers messages to the client attached to a session.
type Notifier interface {
	// Notify must not block.
	Notify(Message)
	// Close ends the client connection.
	Close()
}
