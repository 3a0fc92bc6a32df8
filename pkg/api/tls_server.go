package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/vibetunnel/server/pkg/config"
)

// TLSServer serves the API over HTTPS: a self-signed certificate for
// localhost use, a custom key pair, or certmagic-managed ACME
// certificates for a public domain.
type TLSServer struct {
	*Server
	tlsConfig *config.TLS
}

func NewTLSServer(server *Server, tlsConfig *config.TLS) *TLSServer {
	return &TLSServer{Server: server, tlsConfig: tlsConfig}
}

// StartTLS serves HTTPS on httpsAddr. With a custom key pair the
// certificate files are used directly; otherwise the in-memory config
// from setupTLS applies.
func (s *TLSServer) StartTLS(httpsAddr string) error {
	tlsCfg, err := s.setupTLS()
	if err != nil {
		return fmt.Errorf("failed to set up TLS: %w", err)
	}

	srv := &http.Server{
		Addr:         httpsAddr,
		Handler:      s.Handler(),
		TLSConfig:    tlsCfg,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WS hold the response open
		IdleTimeout:  120 * time.Second,
	}
	s.httpSrv = srv

	log.Printf("[INFO] listening on %s (https)", httpsAddr)
	if s.tlsConfig.CertPath != "" && s.tlsConfig.KeyPath != "" {
		return srv.ListenAndServeTLS(s.tlsConfig.CertPath, s.tlsConfig.KeyPath)
	}
	return srv.ListenAndServeTLS("", "")
}

func (s *TLSServer) setupTLS() (*tls.Config, error) {
	if s.tlsConfig.CertPath != "" && s.tlsConfig.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(s.tlsConfig.CertPath, s.tlsConfig.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificates: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	}

	if s.tlsConfig.Domain != "" {
		return s.setupCertMagic()
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// setupCertMagic obtains and renews certificates for the configured
// domain.
func (s *TLSServer) setupCertMagic() (*tls.Config, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = "admin@" + s.tlsConfig.Domain
	certmagic.Default.Storage = &certmagic.FileStorage{
		Path: filepath.Join(os.TempDir(), "vibetunnel-certs"),
	}

	if err := certmagic.ManageSync(context.Background(), []string{s.tlsConfig.Domain}); err != nil {
		return nil, fmt.Errorf("failed to obtain certificate for %s: %w", s.tlsConfig.Domain, err)
	}
	return certmagic.TLS([]string{s.tlsConfig.Domain})
}

// generateSelfSignedCert creates a throwaway localhost certificate.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"VibeTunnel"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}
