// Package ca loads or generates the root CA used to intercept HTTPS and
// issues per-host leaf certificates signed by it.
//
// Leaves are cached in memory for the life of the process and, when CertsDir
// is set, mirrored to <CertsDir>/<host>.pem so restarts reuse them.
package ca

import (
	"crypto"
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
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/idna"
)

var (
	// ErrNoRoot is returned by LoadRoot when no root CA files are configured.
	ErrNoRoot = errors.New("no root CA files provided")
	// ErrInvalidHost is returned by Leaf for names that are neither an IP nor a valid DNS name.
	ErrInvalidHost = errors.New("invalid leaf host")
)

const leafValidity = 365 * 24 * time.Hour

// RootCA is a parsed signing root plus the leaves issued from it.
type RootCA struct {
	Cert     *x509.Certificate
	Key      crypto.Signer
	CertsDir string

	certPEM []byte
	keyPEM  []byte

	mu     sync.RWMutex
	leaves map[string]*tls.Certificate
}

func newRootCA(cert *x509.Certificate, key crypto.Signer, certPEM, keyPEM []byte) *RootCA {
	return &RootCA{
		Cert:    cert,
		Key:     key,
		certPEM: certPEM,
		keyPEM:  keyPEM,
		leaves:  make(map[string]*tls.Certificate),
	}
}

// CertPEM returns the PEM-encoded root certificate, suitable for handing to clients.
func (r *RootCA) CertPEM() []byte {
	return r.certPEM
}

// PEM returns the combined certificate and private key PEM.
func (r *RootCA) PEM() []byte {
	return append(append([]byte{}, r.certPEM...), r.keyPEM...)
}

// Pool returns a cert pool trusting only this root.
func (r *RootCA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(r.Cert)
	return pool
}

// Save writes the combined PEM to path atomically with 0600 permissions.
func (r *RootCA) Save(path string) error {
	return writeFileAtomic(path, r.PEM())
}

// ParseDN parses a flexible DN string into a pkix.Name. Accepted forms:
//
//	"Plain Name"                     -> CommonName only
//	"/C=US/ST=CA/O=Org/CN=Name"      -> slash separated
//	"CN=Name,O=Org,C=US"             -> comma or semicolon separated
func ParseDN(s string) (pkix.Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pkix.Name{}, errors.New("empty dn")
	} else if !strings.Contains(s, "=") {
		return pkix.Name{CommonName: s}, nil
	}

	var fields []string
	if strings.HasPrefix(s, "/") {
		fields = strings.Split(strings.TrimPrefix(s, "/"), "/")
	} else {
		fields = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	}

	var name pkix.Name
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "CN":
			name.CommonName = v
		case "O":
			name.Organization = append(name.Organization, v)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, v)
		case "L":
			name.Locality = append(name.Locality, v)
		case "ST", "S":
			name.Province = append(name.Province, v)
		case "C":
			name.Country = append(name.Country, v)
		}
	}
	if name.CommonName == "" {
		return name, errors.New("dn must include CN")
	}
	return name, nil
}

// GenerateRoot creates a self-signed ECDSA P-256 root valid for ten years.
func GenerateRoot(name pkix.Name) (*RootCA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             now.Add(-time.Hour), // clock skew
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal root key: %w", err)
	}

	return newRootCA(cert, key,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	), nil
}

// ParseRoot parses PEM data holding the root certificate (first CERTIFICATE
// block) and its private key in PKCS#8, PKCS#1 or SEC1 form.
func ParseRoot(data []byte) (*RootCA, error) {
	var cert *x509.Certificate
	var key crypto.Signer
	var certPEM, keyPEM []byte
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if cert != nil {
				continue
			}
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate block: %w", err)
			}
			cert, certPEM = c, pem.EncodeToMemory(block)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			k, err := parsePrivateKey(block)
			if err != nil {
				return nil, err
			}
			key, keyPEM = k, pem.EncodeToMemory(block)
		}
	}
	if cert == nil || key == nil {
		return nil, errors.New("PEM must contain a certificate and a private key")
	} else if !cert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", cert.Subject.CommonName)
	}
	return newRootCA(cert, key, certPEM, keyPEM), nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	var k any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		k, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		k, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", strings.ToLower(block.Type), err)
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", k)
	}
	return signer, nil
}

// LoadRoot reads a root CA from a combined PEM file, or from separate
// certificate and key files. Returns ErrNoRoot when no paths are set.
func LoadRoot(pemPath, certPath, keyPath string) (*RootCA, error) {
	switch {
	case pemPath != "":
		data, err := os.ReadFile(pemPath)
		if err != nil {
			return nil, fmt.Errorf("read root pem: %w", err)
		}
		return ParseRoot(data)
	case certPath != "" && keyPath != "":
		certData, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("read root cert: %w", err)
		}
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read root key: %w", err)
		}
		return ParseRoot(append(append(certData, '\n'), keyData...))
	case certPath != "" || keyPath != "":
		return nil, errors.New("root cert and root key must be set together")
	}
	return nil, ErrNoRoot
}

// Leaf returns a certificate for host (optionally host:port) signed by the root.
// Results are cached; concurrent callers for the same host share one issuance.
func (r *RootCA) Leaf(host string) (*tls.Certificate, error) {
	if r == nil {
		return nil, errors.New("root CA is nil")
	}
	host, err := validHost(normalizeHost(host))
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	cert, ok := r.leaves[host]
	r.mu.RUnlock()
	if ok {
		return cert, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cert, ok := r.leaves[host]; ok {
		return cert, nil
	}

	cert = r.loadCachedLeaf(host)
	if cert == nil {
		var combined []byte
		cert, combined, err = r.issue(host)
		if err != nil {
			return nil, fmt.Errorf("issue leaf for %s: %w", host, err)
		}
		r.storeCachedLeaf(host, combined)
	}
	r.leaves[host] = cert
	return cert, nil
}

func (r *RootCA) issue(host string) (*tls.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, r.Cert, key.Public(), r.Key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("host", host).Msg("issued leaf certificate")
	return &pair, append(certPEM, keyPEM...), nil
}

func (r *RootCA) leafPath(host string) (string, error) {
	name := strings.ReplaceAll(host, ":", "_") + ".pem"
	if !filepath.IsLocal(name) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q escapes certs dir", ErrInvalidHost, host)
	}
	return filepath.Join(r.CertsDir, name), nil
}

// loadCachedLeaf returns a leaf from CertsDir if one exists, was signed by
// this root and is not about to expire.
func (r *RootCA) loadCachedLeaf(host string) *tls.Certificate {
	if r.CertsDir == "" {
		return nil
	}
	path, err := r.leafPath(host)
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	pair, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil
	}
	leaf := pair.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(pair.Certificate[0]); err != nil {
			return nil
		}
	}
	if leaf.CheckSignatureFrom(r.Cert) != nil || time.Until(leaf.NotAfter) < 24*time.Hour {
		return nil
	}
	return &pair
}

func (r *RootCA) storeCachedLeaf(host string, combined []byte) {
	if r.CertsDir == "" {
		return
	}
	path, err := r.leafPath(host)
	if err != nil {
		log.Warn().Err(err).Msg("not caching leaf certificate")
		return
	}
	if err := os.MkdirAll(r.CertsDir, 0o700); err != nil {
		log.Warn().Err(err).Str("dir", r.CertsDir).Msg("cannot create certs dir")
		return
	}
	if err := writeFileAtomic(path, combined); err != nil {
		log.Warn().Err(err).Str("host", host).Msg("cannot cache leaf certificate")
	}
}

// validHost returns host unchanged when it is an IP address, or in its ASCII
// form when it is a valid DNS name. Anything else, including names carrying
// path separators or empty labels, is rejected.
func validHost(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidHost)
	} else if net.ParseIP(host) != nil {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidHost, host, err)
	} else if slices.Contains(strings.Split(ascii, "."), "") {
		return "", fmt.Errorf("%w: %q has an empty label", ErrInvalidHost, host)
	}
	return ascii, nil
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// writeFileAtomic writes data to path through a synced temp file so readers
// never see a partial certificate.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create tmp in %s: %w", dir, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write tmp %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("sync tmp %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close tmp %s: %w", name, err)
	}
	if err := os.Chmod(name, 0o600); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("chmod tmp %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("rename tmp %s -> %s: %w", name, path, err)
	}
	return nil
}
