package egress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// ExternalProvider dials a local helper process over a Unix-domain socket
// (or TCP, on platforms without one) and speaks the line-delimited JSON
// handshake: send {host,port,fingerprint}\n, the helper replies
// {success:true}\n or {success:false,error:"..."}\n, then the socket
// becomes an opaque byte pipe carrying the now-established connection.
type ExternalProvider struct {
	network     string
	address     string
	dialTimeout time.Duration

	mu    sync.Mutex
	ready bool
}

// NewExternalProvider returns a provider that dials network/address for
// every Connect call. network defaults to "unix".
func NewExternalProvider(network, address string) *ExternalProvider {
	if network == "" {
		network = "unix"
	}
	return &ExternalProvider{network: network, address: address, dialTimeout: 10 * time.Second}
}

// Initialize verifies the helper is reachable without holding a connection
// open.
func (p *ExternalProvider) Initialize(ctx context.Context) error {
	conn, err := (&net.Dialer{Timeout: p.dialTimeout}).DialContext(ctx, p.network, p.address)
	if err != nil {
		return fmt.Errorf("egress helper unreachable at %s %s: %w", p.network, p.address, err)
	}
	conn.Close()

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *ExternalProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	return nil
}

func (p *ExternalProvider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

type connectRequest struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Fingerprint string `json:"fingerprint"`
}

type connectResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (p *ExternalProvider) Connect(ctx context.Context, host string, port int, fingerprint string) (net.Conn, error) {
	conn, err := (&net.Dialer{Timeout: p.dialTimeout}).DialContext(ctx, p.network, p.address)
	if err != nil {
		return nil, fmt.Errorf("dialing egress helper: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(connectRequest{Host: host, Port: port, Fingerprint: fingerprint}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing egress handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading egress handshake reply: %w", err)
	}

	var resp connectResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("parsing egress handshake reply: %w", err)
	}
	if !resp.Success {
		conn.Close()
		return nil, fmt.Errorf("egress helper declined connection: %s", resp.Error)
	}

	// reader may already hold bytes read past the handshake line (the
	// start of the established connection's own traffic); wrap conn so
	// those aren't dropped.
	return &bufferedConn{Conn: conn, r: reader}, nil
}

// bufferedConn serves Read from a bufio.Reader that may already hold
// bytes buffered past a protocol handshake, falling through to the
// underlying net.Conn for everything else.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
