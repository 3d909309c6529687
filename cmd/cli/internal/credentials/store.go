package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/csrsign/internal/issuer"
	"github.com/wolfeidau/csrsign/internal/pki"
)

// Sentinel errors
var (
	// ErrCredentialNotFound is returned when a credential doesn't exist.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrCredentialExists is returned when trying to create a duplicate.
	ErrCredentialExists = errors.New("credential already exists")

	// ErrInvalidName is returned for names that are not safe file names.
	ErrInvalidName = errors.New("invalid credential name")

	// ErrCertificateMismatch is returned when an issued certificate does not
	// carry the stored key.
	ErrCertificateMismatch = errors.New("certificate does not match private key")
)

// RootCAFile is the file name the root CA certificate is written to.
const RootCAFile = "ca.crt"

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Credential is the metadata recorded for a key and its issued certificate.
type Credential struct {
	Name           string    `json:"name"`
	KeyFingerprint string    `json:"key_fingerprint"`
	Role           string    `json:"role,omitempty"`
	Serial         string    `json:"serial,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	NotAfter       time.Time `json:"not_after,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Issued reports whether a certificate has been stored for the credential.
func (c *Credential) Issued() bool {
	return c.Serial != "" && c.Fingerprint != ""
}

// Config represents the credentials index file.
type Config struct {
	Version     int                   `json:"version"`
	Credentials map[string]Credential `json:"credentials"`
}

// Store manages keys and certificates on the local filesystem.
type Store struct {
	baseDir string
}

// NewStore creates a new credential store.
// If baseDir is empty, uses ~/.csrsign/credentials/
func NewStore(baseDir string) (*Store, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".csrsign", "credentials")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	store := &Store{baseDir: baseDir}

	if err := store.ensureConfig(); err != nil {
		return nil, err
	}

	log.Debug().Str("baseDir", baseDir).Msg("credential store initialized")

	return store, nil
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string {
	return s.baseDir
}

// KeyPath returns the private key path for name.
func (s *Store) KeyPath(name string) string {
	return filepath.Join(s.baseDir, name+".key")
}

// CertPath returns the certificate path for name.
func (s *Store) CertPath(name string) string {
	return filepath.Join(s.baseDir, name+".crt")
}

// CAPath returns the root CA certificate path.
func (s *Store) CAPath() string {
	return filepath.Join(s.baseDir, RootCAFile)
}

// Create generates a new ECDSA P-256 key and stores it under name.
// When force is set an existing credential of the same name is replaced.
func (s *Store) Create(name string, force bool) (*Credential, *ecdsa.PrivateKey, error) {
	if !validName.MatchString(name) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, err := s.Get(name); err == nil && !force {
		return nil, nil, ErrCredentialExists
	}

	log.Info().Str("name", name).Msg("generating new key")

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyDER,
	})

	fingerprint, err := keyFingerprint(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	// Remove any previous certificate so a stale pairing is never left behind
	if err := os.Remove(s.CertPath(name)); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to remove certificate: %w", err)
	}

	if err := os.WriteFile(s.KeyPath(name), privateKeyPEM, 0600); err != nil {
		return nil, nil, fmt.Errorf("failed to write private key: %w", err)
	}

	now := time.Now().UTC()
	cred := Credential{
		Name:           name,
		KeyFingerprint: fingerprint,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.putCredential(cred); err != nil {
		os.Remove(s.KeyPath(name))
		return nil, nil, err
	}

	log.Debug().
		Str("name", name).
		Str("keyFingerprint", fingerprint).
		Str("privateKeyPath", s.KeyPath(name)).
		Msg("key created")

	return &cred, privateKey, nil
}

// SaveBundle writes the issued certificate and root CA for name and records
// the certificate in the index. The certificate must carry the stored key.
func (s *Store) SaveBundle(name, role string, bundle *issuer.Bundle) (*Credential, error) {
	cred, err := s.Get(name)
	if err != nil {
		return nil, err
	}

	cert, err := pki.ParseCertificatePEM([]byte(bundle.Certificate))
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}
	if _, err := pki.ParseCertificatePEM([]byte(bundle.RootCA)); err != nil {
		return nil, fmt.Errorf("failed to parse root CA: %w", err)
	}

	fingerprint, err := keyFingerprint(cert.PublicKey)
	if err != nil {
		return nil, err
	}
	if fingerprint != cred.KeyFingerprint {
		return nil, ErrCertificateMismatch
	}

	// #nosec G306 - certificates are public material
	if err := os.WriteFile(s.CertPath(name), []byte(bundle.Certificate), 0644); err != nil {
		return nil, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := s.SaveRootCA([]byte(bundle.RootCA)); err != nil {
		return nil, err
	}

	cred.Role = role
	cred.Serial = cert.SerialNumber.Text(16)
	cred.Fingerprint = pki.Fingerprint(cert.Raw)
	cred.NotAfter = cert.NotAfter.UTC()
	cred.UpdatedAt = time.Now().UTC()

	if err := s.putCredential(*cred); err != nil {
		return nil, err
	}

	log.Info().
		Str("name", name).
		Str("serial", cred.Serial).
		Str("certPath", s.CertPath(name)).
		Msg("certificate stored")

	return cred, nil
}

// SaveRootCA writes the root CA certificate.
func (s *Store) SaveRootCA(rootPEM []byte) error {
	// #nosec G306 - certificates are public material
	if err := os.WriteFile(s.CAPath(), rootPEM, 0644); err != nil {
		return fmt.Errorf("failed to write root CA: %w", err)
	}
	return nil
}

// Get retrieves credential metadata by name.
func (s *Store) Get(name string) (*Credential, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	cred, ok := cfg.Credentials[name]
	if !ok {
		return nil, ErrCredentialNotFound
	}

	return &cred, nil
}

// List returns all stored credentials ordered by name.
func (s *Store) List() ([]Credential, error) {
	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}

	credentials := make([]Credential, 0, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		credentials = append(credentials, cred)
	}
	sort.Slice(credentials, func(i, j int) bool {
		return credentials[i].Name < credentials[j].Name
	})

	return credentials, nil
}

// Delete removes a credential and its files.
func (s *Store) Delete(name string) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}

	if _, ok := cfg.Credentials[name]; !ok {
		return ErrCredentialNotFound
	}

	for _, path := range []string{s.KeyPath(name), s.CertPath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	delete(cfg.Credentials, name)

	if err := s.saveConfig(cfg); err != nil {
		return err
	}

	log.Info().Str("name", name).Msg("credential deleted")

	return nil
}

func (s *Store) putCredential(cred Credential) error {
	cfg, err := s.loadConfig()
	if err != nil {
		return err
	}
	cfg.Credentials[cred.Name] = cred
	return s.saveConfig(cfg)
}

// ensureConfig creates an empty index if it doesn't exist.
func (s *Store) ensureConfig() error {
	if _, err := os.Stat(s.configPath()); err == nil {
		return nil
	}

	return s.saveConfig(&Config{
		Version:     1,
		Credentials: make(map[string]Credential),
	})
}

func (s *Store) loadConfig() (*Config, error) {
	data, err := os.ReadFile(s.configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Credentials == nil {
		cfg.Credentials = make(map[string]Credential)
	}

	return &cfg, nil
}

// saveConfig writes the index atomically via a temp file and rename.
func (s *Store) saveConfig(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := s.configPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpPath, s.configPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

func (s *Store) configPath() string {
	return filepath.Join(s.baseDir, "config.json")
}

// keyFingerprint is the base58 encoded SHA-256 of the PKIX public key.
func keyFingerprint(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	hash := sha256.Sum256(der)
	return base58.Encode(hash[:]), nil
}
