package rpc

// Transport carries framed JSON messages to and from the gateway daemon.
// The transport may carry traffic unrelated to this client's calls; the
// client filters inbound messages itself.
type Transport interface {
	// Send writes one framed message.
	Send(data []byte) error

	// Receive returns the channel of inbound messages. The channel is
	// closed when the transport disconnects.
	Receive() <-chan []byte

	// Close tears down the connection.
	Close() error
}
