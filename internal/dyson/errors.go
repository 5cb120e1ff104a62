package dyson

import "errors"

// Errors returned by the device proxy. Check with errors.Is.
var (
	// ErrNotConnected is returned when a command is issued before Connect.
	ErrNotConnected = errors.New("dyson: device not connected")

	// ErrConnectionFailed is returned when the MQTT session cannot be established.
	ErrConnectionFailed = errors.New("dyson: connection failed")

	// ErrPublishFailed is returned when a command could not be delivered to the broker.
	ErrPublishFailed = errors.New("dyson: publish failed")

	// ErrSubscribeFailed is returned when the status topic subscription fails.
	ErrSubscribeFailed = errors.New("dyson: subscribe failed")

	// ErrInvalidValue is returned when a command argument is outside what the device accepts.
	ErrInvalidValue = errors.New("dyson: invalid value")

	// ErrMalformedMessage is returned when a status payload cannot be decoded.
	ErrMalformedMessage = errors.New("dyson: malformed message")
)
