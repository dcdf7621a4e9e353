// Package egress implements the optional fingerprinted TLS egress
// capability: a small interface for dialing upstream TLS with a
// particular browser-shaped ClientHello, plus a registry that holds the
// single active provider.
package egress

import (
	"context"
	"net"
)

// Provider is the capability set: initialize, connect, shutdown,
// isReady. Connect returns a duplex byte stream already past the TLS
// handshake — callers read and write plaintext HTTP/1.1 bytes, exactly as
// if they'd dialed the origin directly.
type Provider interface {
	Initialize(ctx context.Context) error
	Connect(ctx context.Context, host string, port int, fingerprint string) (net.Conn, error)
	Shutdown(ctx context.Context) error
	IsReady() bool
}
