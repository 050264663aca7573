package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	certFile = "cert.pem"
	keyFile  = "key.pem"
)

// Identity is the host's self-signed TLS identity and its pinning
// fingerprint, per spec.md §4.3 and §6.
type Identity struct {
	Certificate tls.Certificate
	// Fingerprint is base64(sha256(cert.der)), surfaced to clients via the
	// pairing QR payload.
	Fingerprint string
}

// LoadOrCreateIdentity loads <stateDir>/cert.pem and key.pem. If the pair
// cannot be loaded (either file missing or unreadable), it generates a
// fresh self-signed P-256 identity and writes it over both paths.
// Regeneration on demand is an external `rotate-cert` subcommand's job,
// not the core's.
func LoadOrCreateIdentity(stateDir string) (Identity, error) {
	certPath := filepath.Join(stateDir, certFile)
	keyPath := filepath.Join(stateDir, keyFile)

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return identityFromCert(cert)
	}

	cert, certPEM, keyPEM, err := generateSelfSigned()
	if err != nil {
		return Identity{}, err
	}

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return Identity{}, err
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return Identity{}, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return Identity{}, err
	}

	return identityFromCert(cert)
}

func identityFromCert(cert tls.Certificate) (Identity, error) {
	sum := sha256.Sum256(cert.Certificate[0])
	return Identity{
		Certificate: cert,
		Fingerprint: base64.StdEncoding.EncodeToString(sum[:]),
	}, nil
}

func generateSelfSigned() (tls.Certificate, []byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "phantom-host"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	return cert, certPEM, keyPEM, nil
}
