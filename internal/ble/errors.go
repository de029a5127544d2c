package ble

import "errors"

// Error kinds surfaced by session operations. All are matchable with
// errors.Is; kinds that wrap an underlying cause do so with %w so the
// cause stays inspectable.
var (
	// ErrAdapterNotReady: the adapter is not powered on, or a scan is
	// already in progress. One kind covers both conditions.
	ErrAdapterNotReady = errors.New("ble: adapter not ready")

	// ErrOperationCancelled: a pending operation was superseded by a newer
	// request, or the session was closed while it was in flight.
	ErrOperationCancelled = errors.New("ble: operation cancelled")

	// ErrConnectFailed: the connection attempt was rejected by the stack
	// or the peripheral.
	ErrConnectFailed = errors.New("ble: connect failed")

	// ErrDisconnected: the link dropped while an operation was pending.
	ErrDisconnected = errors.New("ble: disconnected")

	// ErrNotConnected: an operation that requires a connected, resolved
	// peripheral was attempted without one.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrOperationFailed: a discovery, read, write or notify completion
	// reported an underlying failure.
	ErrOperationFailed = errors.New("ble: operation failed")
)
