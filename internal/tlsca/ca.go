// Package tlsca implements the certificate authority and per-host leaf
// minting: a self-issued root used to sign short-lived
// leaf certificates for each intercepted host.
package tlsca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	// CAKeySize is the RSA key size for the root CA.
	CAKeySize = 2048

	// CAValidityYears bounds how long a generated root is trusted for.
	CAValidityYears = 10
)

// ErrTrustStoreUnavailable is returned when the CA's on-disk material
// cannot be read or created.
var ErrTrustStoreUnavailable = errors.New("tlsca: trust store unavailable")

// CA is a self-issued certificate authority used to mint per-host leaf
// certificates for TLS interception.
type CA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
	crlDER  []byte
	crlURL  string
}

// LoadOrCreateCA loads the CA material under dir, creating and persisting a
// new root if none exists.
func LoadOrCreateCA(dir string) (*CA, error) {
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	if ca, err := loadCA(certPath, keyPath); err == nil {
		return ca, nil
	}

	ca, err := createCA()
	if err != nil {
		return nil, fmt.Errorf("%w: creating CA: %v", ErrTrustStoreUnavailable, err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating trust dir: %v", ErrTrustStoreUnavailable, err)
	}
	if err := os.WriteFile(certPath, ca.certPEM, 0644); err != nil {
		return nil, fmt.Errorf("%w: writing CA cert: %v", ErrTrustStoreUnavailable, err)
	}
	if err := writeSecureFile(keyPath, ca.keyPEM); err != nil {
		return nil, fmt.Errorf("%w: writing CA key: %v", ErrTrustStoreUnavailable, err)
	}

	return ca, nil
}

func loadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("decoding CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("decoding CA private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA private key: %w", err)
	}

	return &CA{cert: cert, key: key, certPEM: certPEM, keyPEM: keyPEM}, nil
}

func createCA() (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, CAKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	serialNumber, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   "siphon proxy CA",
			Organization: []string{"siphon"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(CAValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing created certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &CA{cert: cert, key: key, certPEM: certPEM, keyPEM: keyPEM}, nil
}

// generateRandomSerial returns a cryptographically random positive serial.
func generateRandomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	serial.Add(serial, big.NewInt(1))
	return serial, nil
}

// CertPEM returns the CA certificate in PEM format.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// Certificate returns the parsed CA certificate.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// CRLDER returns the CRL in DER format, or nil if SetCRLURL was never called.
func (ca *CA) CRLDER() []byte {
	return ca.crlDER
}

// CRLURL returns the URL at which the CRL is served, if configured.
func (ca *CA) CRLURL() string {
	return ca.crlURL
}

// SetCRLURL configures the CA to embed a CRL distribution point in minted
// leaf certificates and generates the (initially empty) CRL. Optional:
// not required for interception to work, but some client trust stores
// check it before accepting an intercepted connection.
func (ca *CA) SetCRLURL(url string) error {
	ca.crlURL = url
	return ca.generateCRL()
}

func (ca *CA) generateCRL() error {
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().AddDate(0, 0, 30),
	}

	crlDER, err := x509.CreateRevocationList(rand.Reader, template, ca.cert, ca.key)
	if err != nil {
		return fmt.Errorf("creating CRL: %w", err)
	}
	ca.crlDER = crlDER
	return nil
}

func writeSecureFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0600)
}
