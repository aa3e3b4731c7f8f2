package tls

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jittering/truststore"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("spooltag.tls")

// Issuer installs the local CA and signs server certificates with it.
type Issuer interface {
	Install() error
	MakeCert(hosts []string, dir string) (certFile, keyFile string, err error)
}

type issuerFuncs struct {
	install  func() error
	makeCert func(hosts []string, dir string) (string, string, error)
}

func (i issuerFuncs) Install() error {
	return i.install()
}

func (i issuerFuncs) MakeCert(hosts []string, dir string) (string, string, error) {
	return i.makeCert(hosts, dir)
}

// NewTruststoreIssuer creates an issuer whose CA lives in caDir.
func NewTruststoreIssuer(caDir string) (Issuer, error) {
	os.Setenv("CAROOT", caDir)
	lib, err := truststore.NewLib()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize truststore: %w", err)
	}
	return issuerFuncs{
		install: lib.Install,
		makeCert: func(hosts []string, dir string) (string, string, error) {
			cert, err := lib.MakeCert(hosts, dir)
			if err != nil {
				return "", "", err
			}
			return cert.CertFile, cert.KeyFile, nil
		},
	}, nil
}

// Certificates are the file paths the server needs for TLS.
type Certificates struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Manager keeps a server certificate for the current hosts under dir.
type Manager struct {
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string

	// NewIssuer creates the issuer on first use.
	NewIssuer func(caDir string) (Issuer, error)
}

// NewManager creates a manager storing its files under dir.
func NewManager(dir string) *Manager {
	tlsDir := filepath.Join(dir, "tls")
	caDir := filepath.Join(dir, "ca")
	return &Manager{
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		NewIssuer:  NewTruststoreIssuer,
	}
}

// EnsureCertificates reuses the stored certificate when it covers hosts and
// issues a new one otherwise. Installing the CA may prompt for a password.
func (m *Manager) EnsureCertificates(hosts []string) (Certificates, error) {
	certs := Certificates{CertFile: m.certFile, KeyFile: m.keyFile, CAFile: m.caCertFile}

	if err := os.MkdirAll(m.tlsDir, 0o700); err != nil {
		return certs, fmt.Errorf("failed to create TLS directory: %w", err)
	}

	switch {
	case !m.certsExist():
		logger.Infof("certificates not found, generating for %v", hosts)
	case m.hostsChanged(hosts):
		logger.Infof("network configuration changed, regenerating for %v", hosts)
	default:
		logger.Debugf("using existing certificates")
		return certs, nil
	}

	if err := m.generate(hosts); err != nil {
		return certs, err
	}
	return certs, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

// hostsChanged compares hosts with the cached list, ignoring order.
func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil || len(cached) != len(hosts) {
		return true
	}

	want := append([]string(nil), hosts...)
	sort.Strings(cached)
	sort.Strings(want)
	for i := range want {
		if cached[i] != want[i] {
			return true
		}
	}
	return false
}

func (m *Manager) readCachedHosts() ([]string, error) {
	file, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if host := strings.TrimSpace(scanner.Text()); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

func (m *Manager) generate(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}

	issuer, err := m.NewIssuer(m.caDir)
	if err != nil {
		return err
	}

	logger.Infof("ensuring CA is installed in the system trust store (you may be prompted for your password)")
	if err := issuer.Install(); err != nil {
		return fmt.Errorf("failed to install CA: %w", err)
	}

	certFile, keyFile, err := issuer.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}
	if certFile != m.certFile {
		if err := os.Rename(certFile, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if keyFile != m.keyFile {
		if err := os.Rename(keyFile, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		logger.Warningf("failed to cache hosts: %v", err)
	}

	logger.Infof("certificate generated: %s", m.certFile)
	if fingerprint, err := m.Fingerprint(); err == nil {
		logger.Infof("CA fingerprint (SHA256): %s", fingerprint)
	}
	return nil
}

// Fingerprint returns the colon-separated SHA256 fingerprint of the CA.
func (m *Manager) Fingerprint() (string, error) {
	certPEM, err := os.ReadFile(m.caCertFile)
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
