package gateway

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Files written by Certs.WriteDir. The server needs the CA and server files, clients the CA and client files.
const (
	CAFile        = "ca.pem"
	ServerFile    = "server.pem"
	ServerKeyFile = "server-key.pem"
	ClientFile    = "client.pem"
	ClientKeyFile = "client-key.pem"
)

// Certs holds a private CA and the server and client pairs it signed, for mTLS between gateways and their clients.
// The client key grants full control of the console, so handle it carefully.
type Certs struct {
	CA     Cert
	Server Cert
	Client Cert
}

type Cert struct {
	CertPEM []byte
	KeyPEM  []byte

	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func ServerTLSConfig(caPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no CA certificate found")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func ClientTLSConfig(caPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no CA certificate found")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func readPEMs(dir string, names ...string) ([][]byte, error) {
	var out [][]byte
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// LoadServerTLSConfig reads the server side of a directory written by Certs.WriteDir.
func LoadServerTLSConfig(dir string) (*tls.Config, error) {
	pems, err := readPEMs(dir, CAFile, ServerFile, ServerKeyFile)
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(pems[0], pems[1], pems[2])
}

// LoadClientTLSConfig reads the client side of a directory written by Certs.WriteDir.
func LoadClientTLSConfig(dir string) (*tls.Config, error) {
	pems, err := readPEMs(dir, CAFile, ClientFile, ClientKeyFile)
	if err != nil {
		return nil, err
	}
	return ClientTLSConfig(pems[0], pems[1], pems[2])
}

// WriteDir stores the certificates in dir. The CA key is not written, so no further certificates can be signed.
func (c *Certs) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := []struct {
		name string
		b    []byte
		mode os.FileMode
	}{
		{CAFile, c.CA.CertPEM, 0o644},
		{ServerFile, c.Server.CertPEM, 0o644},
		{ServerKeyFile, c.Server.KeyPEM, 0o600},
		{ClientFile, c.Client.CertPEM, 0o644},
		{ClientKeyFile, c.Client.KeyPEM, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.b, f.mode); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

func serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func encode(der []byte, key *ecdsa.PrivateKey) (Cert, error) {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if certPEM == nil {
		return Cert{}, errors.New("unable to encode certificate to PEM")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if keyPEM == nil {
		return Cert{}, errors.New("unable to encode private key to PEM")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Cert{}, fmt.Errorf("parsing generated certificate: %w", err)
	}
	return Cert{CertPEM: certPEM, KeyPEM: keyPEM, cert: cert, key: key}, nil
}

func buildCA(validFor time.Duration) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "espz gateway CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating CA private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return Cert{}, fmt.Errorf("creating CA cert: %w", err)
	}
	return encode(der, key)
}

func buildLeaf(ca Cert, cn string, hosts []string, usage x509.ExtKeyUsage, validFor time.Duration) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	return encode(der, key)
}

// GenerateCerts makes a fresh CA plus a server certificate valid for hosts (names or IPs) and one client certificate.
func GenerateCerts(hosts []string, validFor time.Duration) (*Certs, error) {
	if len(hosts) == 0 {
		return nil, errors.New("at least one server host is required")
	}
	ca, err := buildCA(validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	server, err := buildLeaf(ca, hosts[0], hosts, x509.ExtKeyUsageServerAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := buildLeaf(ca, "espz client", nil, x509.ExtKeyUsageClientAuth, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{CA: ca, Server: server, Client: client}, nil
}
