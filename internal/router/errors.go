package router

import "errors"

// Common router errors.
var (
	// ErrDeviceOffline indicates the target device has no live connection.
	ErrDeviceOffline = errors.New("router: device offline")

	// ErrCommandTimeout indicates no reply arrived within the command timeout.
	ErrCommandTimeout = errors.New("router: command timed out")

	// ErrSendFailed indicates the transport write failed.
	ErrSendFailed = errors.New("router: send failed")
)
