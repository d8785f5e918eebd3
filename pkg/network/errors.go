package network

import "errors"

var (
	// ErrNotConnected is returned when sending to a connection id that is
	// not established.
	ErrNotConnected = errors.New("network: not connected")

	// ErrChannelClosed is returned when a send cannot be enqueued because
	// the connection's outbound channel is full. Sends to a torn-down
	// connection return ErrNotConnected instead.
	ErrChannelClosed = errors.New("network: outbound channel closed or full")

	// ErrSerialization is returned when a payload cannot be encoded or
	// decoded. At the receive path this is fatal to the affected connection.
	ErrSerialization = errors.New("network: serialization failure")

	// ErrListen is returned when a listener cannot be established.
	ErrListen = errors.New("network: listen failure")

	// ErrConnection is returned when an outbound connection attempt fails.
	ErrConnection = errors.New("network: connection failure")
)
