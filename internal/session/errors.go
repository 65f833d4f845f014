package session

import "errors"

var (
	// ErrSwitchInProgress marks a switch request rejected because another
	// switch is running for the same session. It is reported as a no-op, not
	// surfaced to clients.
	ErrSwitchInProgress = errors.New("device switch already in progress")

	// ErrNoActiveDevice is returned for control commands issued without a
	// connected device.
	ErrNoActiveDevice = errors.New("no active device")

	// ErrDeviceMismatch is returned when a command targets a device other
	// than the one the session holds.
	ErrDeviceMismatch = errors.New("device is not held by this session")

	// ErrDeviceRequired is returned when a switch names no device.
	ErrDeviceRequired = errors.New("device serial is required")

	// ErrCapacityExceeded is returned when the registry is full.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrSessionNotFound is returned for unknown session identities.
	ErrSessionNotFound = errors.New("session not found")
)
