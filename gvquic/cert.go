package gvquic

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// GenerateSelfSigned returns an ed25519 certificate for the given hosts,
// signed by its own key.
// Entries in hosts that parse as IP addresses become IP SANs,
// and the rest become DNS names.
//
// The certificate is marked as a CA
// so clients can trust it directly through a root pool.
func GenerateSelfSigned(hosts []string, validFor time.Duration) (tls.Certificate, error) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	if validFor == 0 {
		validFor = 24 * time.Hour
	}

	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,

		Subject: pkix.Name{
			Organization: []string{"gvnet"},
			CommonName:   "gvnet server",
		},
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(validFor),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(nil, template, template, pubKey, privKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  privKey,
		Leaf:        cert,
	}, nil
}

// ServerTLSConfig returns a TLS configuration presenting cert.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig returns a TLS configuration that trusts only the given
// server certificates.
// With no certificates, server verification is skipped entirely,
// which is only suitable for trusted networks.
func ClientTLSConfig(trusted ...*x509.Certificate) *tls.Config {
	conf := &tls.Config{
		NextProtos: []string{NextProto},
		MinVersion: tls.VersionTLS13,
	}

	if len(trusted) == 0 {
		conf.InsecureSkipVerify = true
		return conf
	}

	pool := x509.NewCertPool()
	for _, c := range trusted {
		pool.AddCert(c)
	}
	conf.RootCAs = pool
	return conf
}
