package egress

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
)

// NativeProvider dials upstream TLS in-process, shaping the ClientHello to
// match a named browser fingerprint via uTLS instead of Go's own
// crypto/tls signature. ALPN is forced to http/1.1 so everything
// downstream of the handshake stays HTTP/1-only.
type NativeProvider struct {
	dialTimeout time.Duration

	mu    sync.Mutex
	ready bool
}

// NewNativeProvider returns a NativeProvider with a 10s dial timeout.
func NewNativeProvider() *NativeProvider {
	return &NativeProvider{dialTimeout: 10 * time.Second}
}

func (p *NativeProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = true
	return nil
}

func (p *NativeProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	return nil
}

func (p *NativeProvider) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *NativeProvider) Connect(ctx context.Context, host string, port int, fingerprint string) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	d := net.Dialer{Timeout: p.dialTimeout}
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	uConn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		NextProtos: []string{"http/1.1"},
	}, helloIDFor(fingerprint))

	if err := uConn.Handshake(); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("uTLS handshake with %s: %w", addr, err)
	}

	return uConn, nil
}

// helloIDFor maps a fingerprint tag to a uTLS ClientHelloID. electron is
// Chromium-based and shares Chrome's profile; any tag this switch doesn't
// recognize gets Go's own default hello.
func helloIDFor(fingerprint string) utls.ClientHelloID {
	switch fingerprint {
	case FingerprintChrome120, FingerprintElectron:
		return utls.HelloChrome_Auto
	case FingerprintFirefox120:
		return utls.HelloFirefox_Auto
	case FingerprintSafari16:
		return utls.HelloSafari_Auto
	case FingerprintIOS14:
		return utls.HelloIOS_Auto
	case FingerprintAndroid11:
		return utls.HelloAndroid_11_OkHttp
	case FingerprintRandomized:
		return utls.HelloRandomized
	default:
		return utls.HelloGolang
	}
}
