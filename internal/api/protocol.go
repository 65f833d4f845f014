package api

import (
	"encoding/json"
	"fmt"

	"device-orchestrator/internal/device"
)

// Client actions.
const (
	actionListDevices    = "LIST_DEVICES"
	actionSwitchDevice   = "SWITCH_DEVICE"
	actionTouchEvent     = "TOUCH_EVENT"
	actionKeyEvent       = "KEY_EVENT"
	actionTextInput      = "TEXT_INPUT"
	actionDisconnect     = "DISCONNECT"
	actionHeartbeat      = "HEARTBEAT"
	actionGetSessionInfo = "GET_SESSION_INFO"
)

// envelope is the wire form of every client message.
type envelope struct {
	Action       string `json:"action"`
	DeviceSerial string `json:"deviceSerial,omitempty"`
	X            int    `json:"x,omitempty"`
	Y            int    `json:"y,omitempty"`
	TouchAction  string `json:"touchAction,omitempty"`
	KeyCode      *int   `json:"keyCode,omitempty"`
	Key          string `json:"key,omitempty"`
	Text         string `json:"text,omitempty"`
}

// request is a decoded client message. The implementations below are the
// complete set.
type request interface {
	isRequest()
}

type (
	listDevicesReq    struct{}
	switchDeviceReq   struct{ serial string }
	controlReq        struct{ cmd device.Command }
	disconnectReq     struct{}
	heartbeatReq      struct{}
	getSessionInfoReq struct{}
)

func (listDevicesReq) isRequest()    {}
func (switchDeviceReq) isRequest()   {}
func (controlReq) isRequest()        {}
func (disconnectReq) isRequest()     {}
func (heartbeatReq) isRequest()      {}
func (getSessionInfoReq) isRequest() {}

// parseRequest decodes a raw client message into a request.
func parseRequest(data []byte) (request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	switch env.Action {
	case actionListDevices:
		return listDevicesReq{}, nil
	case actionSwitchDevice:
		if env.DeviceSerial == "" {
			return nil, fmt.Errorf("%s requires deviceSerial", env.Action)
		}
		return switchDeviceReq{serial: env.DeviceSerial}, nil
	case actionTouchEvent:
		cmd, err := device.Touch(env.TouchAction, env.X, env.Y)
		if err != nil {
			return nil, err
		}
		return controlReq{cmd: cmd}, nil
	case actionKeyEvent:
		cmd, err := keyRequest{KeyCode: env.KeyCode, Key: env.Key}.command()
		if err != nil {
			return nil, err
		}
		return controlReq{cmd: cmd}, nil
	case actionTextInput:
		return controlReq{cmd: device.TextInput{Text: env.Text}}, nil
	case actionDisconnect:
		return disconnectReq{}, nil
	case actionHeartbeat:
		return heartbeatReq{}, nil
	case actionGetSessionInfo:
		return getSessionInfoReq{}, nil
	default:
		return nil, fmt.Errorf("unsupported action %q", env.Action)
	}
}
