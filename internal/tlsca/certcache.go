package tlsca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// CertKeySize is the RSA key size for minted leaf certificates.
	CertKeySize = 2048

	// CertValidityDays is the validity period for a minted leaf certificate.
	CertValidityDays = 365

	// DefaultMaxCacheSize bounds the cache so a high-cardinality host stream
	// can't grow it without limit.
	DefaultMaxCacheSize = 1000
)

// CertCache mints and caches per-host leaf certificates signed by a CA. It
// is an LRU cache bounded at maxSize, and it single-flights concurrent
// mints for the same host: two callers asking for the
// same uncached host concurrently must observe exactly one generation and
// receive the identical resulting certificate.
type CertCache struct {
	ca      *CA
	maxSize int

	mu      sync.Mutex
	cache   map[string]*tls.Certificate
	order   []string
	inFlight map[string]*mintCall
}

type mintCall struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

// NewCertCache creates a certificate cache backed by ca, holding at most
// maxSize entries (DefaultMaxCacheSize if maxSize <= 0).
func NewCertCache(ca *CA, maxSize int) *CertCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	return &CertCache{
		ca:       ca,
		maxSize:  maxSize,
		cache:    make(map[string]*tls.Certificate),
		order:    make([]string, 0, maxSize),
		inFlight: make(map[string]*mintCall),
	}
}

// GetCertificate implements tls.Config.GetCertificate: it resolves the
// host from the ClientHello's SNI (falling back to the connection's local
// address when SNI is absent) and mints or returns a cached leaf for it.
func (c *CertCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			host = addr.IP.String()
		} else {
			return nil, fmt.Errorf("no server name in ClientHello")
		}
	}
	return c.MintFor(host)
}

// MintFor returns the cached leaf certificate for host, minting one if
// absent. Concurrent calls for the same uncached host block on a single
// in-flight mint and all observe its result.
func (c *CertCache) MintFor(host string) (*tls.Certificate, error) {
	c.mu.Lock()
	if cert, ok := c.cache[host]; ok {
		c.moveToEnd(host)
		c.mu.Unlock()
		return cert, nil
	}

	if call, ok := c.inFlight[host]; ok {
		c.mu.Unlock()
		<-call.done
		return call.cert, call.err
	}

	call := &mintCall{done: make(chan struct{})}
	c.inFlight[host] = call
	c.mu.Unlock()

	cert, err := c.generateCert(host)
	call.cert, call.err = cert, err
	close(call.done)

	c.mu.Lock()
	delete(c.inFlight, host)
	if err == nil {
		if len(c.cache) >= c.maxSize {
			c.evictOldest()
		}
		c.cache[host] = cert
		c.order = append(c.order, host)
	}
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("minting certificate for %s: %w", host, err)
	}
	return cert, nil
}

func (c *CertCache) generateCert(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, CertKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"siphon"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(0, 0, CertValidityDays),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if crlURL := c.ca.CRLURL(); crlURL != "" {
		template.CRLDistributionPoints = []string{crlURL}
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.ca.cert, &key.PublicKey, c.ca.key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, c.ca.cert.Raw},
		PrivateKey:  key,
	}, nil
}

// moveToEnd marks host most-recently-used. Caller holds c.mu.
func (c *CertCache) moveToEnd(host string) {
	for i, h := range c.order {
		if h == host {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, host)
}

// evictOldest drops the least-recently-used entry. Caller holds c.mu.
func (c *CertCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.cache, oldest)
}

// Size returns the current number of cached certificates.
func (c *CertCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Clear empties the cache.
func (c *CertCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*tls.Certificate)
	c.order = make([]string, 0, c.maxSize)
}
