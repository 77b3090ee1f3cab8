package replication

import "context"

// Transport creates one Sender per replica server at startup.
type Transport interface {
	NewSender(serverURL string) (Sender, error)
}

// Sender uploads payloads to a single replica server. The engine never
// calls Send concurrently on the same Sender.
type Sender interface {
	Send(ctx context.Context, p *Payload) error
	Close() error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(serverURL string) (Sender, error)

func (f TransportFunc) NewSender(serverURL string) (Sender, error) { return f(serverURL) }
